// The application's root configuration: logging, browser attachment and the
// selector engine's knobs.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Selectors SelectorsConfig `mapstructure:"selectors"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// BrowserConfig holds settings for reaching a browser. RemoteURL attaches to
// a running instance; otherwise one is launched from ExecPath (or found on
// the PATH).
type BrowserConfig struct {
	RemoteURL      string        `mapstructure:"remote_url"`
	ExecPath       string        `mapstructure:"exec_path"`
	Headless       bool          `mapstructure:"headless"`
	Args           []string      `mapstructure:"args"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// SelectorsConfig holds settings for the selector resolution engine.
type SelectorsConfig struct {
	// CustomLogic enables the protocol-level cross-context path for locating
	// frame owners when the default path comes up empty. When off, frame
	// crossing fails fast and the caller keeps polling.
	CustomLogic          bool            `mapstructure:"custom_logic"`
	DefaultTimeout       time.Duration   `mapstructure:"default_timeout"`
	Backoff              []time.Duration `mapstructure:"backoff"`
	UtilityWorldName     string          `mapstructure:"utility_world_name"`
	ContextCreateTimeout time.Duration   `mapstructure:"context_create_timeout"`
}

// DefaultBackoff is the wait before each polling attempt. The last value
// repeats.
var DefaultBackoff = []time.Duration{
	0,
	20 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
}

// DefaultSelectorsConfig returns the engine defaults, for callers that do not
// go through viper.
func DefaultSelectorsConfig() SelectorsConfig {
	return SelectorsConfig{
		CustomLogic:          true,
		DefaultTimeout:       30 * time.Second,
		Backoff:              append([]time.Duration(nil), DefaultBackoff...),
		UtilityWorldName:     "__deepquery_utility__",
		ContextCreateTimeout: 10 * time.Second,
	}
}

// SetDefaults registers every default with viper so env vars and partial
// config files fall back cleanly.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "deepquery")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.connect_timeout", 15*time.Second)

	d := DefaultSelectorsConfig()
	v.SetDefault("selectors.custom_logic", d.CustomLogic)
	v.SetDefault("selectors.default_timeout", d.DefaultTimeout)
	v.SetDefault("selectors.backoff", d.Backoff)
	v.SetDefault("selectors.utility_world_name", d.UtilityWorldName)
	v.SetDefault("selectors.context_create_timeout", d.ContextCreateTimeout)
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			loadErr = err
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}

// Set replaces the global instance. Used by tests and embedders that build
// a Config by hand.
func Set(cfg *Config) {
	instance = cfg
}

// Validate checks the values the engine cannot run without.
func (c *Config) Validate() error {
	if err := c.Selectors.Validate(); err != nil {
		return err
	}
	if c.Browser.ConnectTimeout < 0 {
		return errors.New("browser.connect_timeout must not be negative")
	}
	return nil
}

// Validate checks the selector engine settings.
func (s SelectorsConfig) Validate() error {
	if s.DefaultTimeout <= 0 {
		return errors.New("selectors.default_timeout must be positive")
	}
	if len(s.Backoff) == 0 {
		return errors.New("selectors.backoff needs at least one entry")
	}
	for i, d := range s.Backoff {
		if d < 0 {
			return fmt.Errorf("selectors.backoff[%d] must not be negative", i)
		}
	}
	if s.UtilityWorldName == "" {
		return errors.New("selectors.utility_world_name is a required configuration field")
	}
	if s.ContextCreateTimeout <= 0 {
		return errors.New("selectors.context_create_timeout must be positive")
	}
	return nil
}

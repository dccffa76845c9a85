package config

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetSingleton() {
	instance = nil
	once = sync.Once{}
}

// TestGetUninitialized verifies that calling Get() before Load() causes a panic.
func TestGetUninitialized(t *testing.T) {
	resetSingleton()

	assert.Panics(t, func() {
		Get()
	}, "Get() should panic if configuration is not initialized")
}

// TestLoadAndGet verifies the basic singleton load and get functionality.
func TestLoadAndGet(t *testing.T) {
	resetSingleton()

	yamlConfig := []byte(`
browser:
  remote_url: "ws://127.0.0.1:9222/devtools/browser/abc"
selectors:
  custom_logic: false
  default_timeout: 5s
`)

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	require.NoError(t, Load(v))

	cfg := Get()
	require.NotNil(t, cfg)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Browser.RemoteURL)
	assert.False(t, cfg.Selectors.CustomLogic)
	assert.Equal(t, 5*time.Second, cfg.Selectors.DefaultTimeout)
	assert.Equal(t, DefaultBackoff, cfg.Selectors.Backoff, "defaults fill what the file leaves out")
	assert.Equal(t, "__deepquery_utility__", cfg.Selectors.UtilityWorldName)

	// Verify that subsequent calls to Load do not change the instance
	v2 := viper.New()
	SetDefaults(v2)
	v2.SetConfigType("yaml")
	_ = v2.ReadConfig(bytes.NewBuffer([]byte(`browser: {remote_url: "ws://elsewhere"}`)))
	require.NoError(t, Load(v2))

	cfg2 := Get()
	assert.Same(t, cfg, cfg2, "Get() should return the same instance")
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg2.Browser.RemoteURL, "Configuration should not be reloaded")
}

func TestLoadRejectsInvalid(t *testing.T) {
	resetSingleton()

	v := viper.New()
	SetDefaults(v)
	v.Set("selectors.utility_world_name", "")

	err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "utility_world_name")
	assert.Panics(t, func() { Get() })
}

// TestConfigValidation verifies the Validate() method.
func TestConfigValidation(t *testing.T) {
	valid := func() Config {
		return Config{Selectors: DefaultSelectorsConfig()}
	}

	testCases := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:     "zero timeout",
			mutate:   func(c *Config) { c.Selectors.DefaultTimeout = 0 },
			errorMsg: "selectors.default_timeout must be positive",
		},
		{
			name:     "empty backoff",
			mutate:   func(c *Config) { c.Selectors.Backoff = nil },
			errorMsg: "selectors.backoff needs at least one entry",
		},
		{
			name:     "negative backoff",
			mutate:   func(c *Config) { c.Selectors.Backoff = []time.Duration{0, -time.Millisecond} },
			errorMsg: "selectors.backoff[1] must not be negative",
		},
		{
			name:     "zero context timeout",
			mutate:   func(c *Config) { c.Selectors.ContextCreateTimeout = 0 },
			errorMsg: "selectors.context_create_timeout must be positive",
		},
		{
			name:     "negative connect timeout",
			mutate:   func(c *Config) { c.Browser.ConnectTimeout = -time.Second },
			errorMsg: "browser.connect_timeout must not be negative",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errorMsg)
		})
	}
}

// TestConfigStructureMapping verifies that the YAML tags correctly map to the struct fields.
func TestConfigStructureMapping(t *testing.T) {
	yamlInput := `
logger:
  level: debug
  format: json
  log_file: /var/log/deepquery.log
  colors:
    info: blue
browser:
  exec_path: /usr/bin/chromium
  headless: false
  args: ["--no-sandbox", "--disable-gpu"]
  connect_timeout: 20s
selectors:
  backoff: [0s, 10ms, 250ms]
  context_create_timeout: 3s
`
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yamlInput)), "Viper should read the YAML without error")

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg), "Unmarshaling into Config struct should not produce an error")

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, "/var/log/deepquery.log", cfg.Logger.LogFile)
	assert.Equal(t, "blue", cfg.Logger.Colors.Info)
	assert.Equal(t, "/usr/bin/chromium", cfg.Browser.ExecPath)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, []string{"--no-sandbox", "--disable-gpu"}, cfg.Browser.Args)
	assert.Equal(t, 20*time.Second, cfg.Browser.ConnectTimeout)
	assert.Equal(t, []time.Duration{0, 10 * time.Millisecond, 250 * time.Millisecond}, cfg.Selectors.Backoff)
	assert.Equal(t, 3*time.Second, cfg.Selectors.ContextCreateTimeout)
}

// TestSet ensures that the Set function correctly sets the global instance.
func TestSet(t *testing.T) {
	resetSingleton()

	expectedCfg := &Config{Selectors: SelectorsConfig{UtilityWorldName: "set-from-test"}}
	Set(expectedCfg)

	actualCfg := Get()
	assert.Same(t, expectedCfg, actualCfg, "Get should return the exact instance that was Set")
	assert.Equal(t, "set-from-test", actualCfg.Selectors.UtilityWorldName)
}

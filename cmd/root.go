// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deepquery/internal/config"
	"github.com/xkilldash9x/deepquery/internal/observability"
)

// Version is stamped at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

// rootOptions are the flags every command shares.
type rootOptions struct {
	cfgFile string
	html    string
	remote  string
	url     string
	strict  bool
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "deepquery",
		Short:         "Resolve selectors across frames and closed shadow roots.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(opts.cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if err := config.Load(viper.GetViper()); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "deepquery"})
				return fmt.Errorf("invalid configuration: %w", err)
			}
			observability.InitializeLogger(config.Get().Logger)
			observability.GetLogger().Debug("Starting deepquery", zap.String("version", Version))
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	pf.StringVar(&opts.html, "html", "", "resolve against a local HTML file instead of a browser")
	pf.StringVar(&opts.remote, "remote", "", "DevTools websocket URL of a running browser")
	pf.StringVar(&opts.url, "url", "", "navigate the browser tab to this URL first")
	pf.BoolVar(&opts.strict, "strict", false, "fail when the selector matches more than one element")
	pf.DurationVar(&opts.timeout, "timeout", 0, "polling timeout (default selectors.default_timeout)")

	rootCmd.AddCommand(
		newResolveCmd(opts),
		newCountCmd(opts),
		newWaitCmd(opts),
		newEvalCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI. ctx is cancelled by main on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	// A cancelled run is an expected shutdown, not a failure worth reporting.
	if ctx.Err() == nil || !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig(cfgFile string) error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("DEEPQUERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

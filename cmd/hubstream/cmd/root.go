// Package cmd implements the CLI commands for hubstream.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/hubstream/internal/config"
	"github.com/jmylchreest/hubstream/internal/observability"
	"github.com/jmylchreest/hubstream/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string
	// appConfig is loaded once before any subcommand runs.
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "hubstream",
	Short:   "Camera rebroadcast and RTSP relay for smart-home hubs",
	Version: version.Short(),
	Long: `hubstream shares camera feeds between many consumers on a smart-home hub.

It runs one transcoder per camera and fans its MPEG-TS output out to any
number of local clients, relays RTSP publishers to RTSP readers, and can
parse a transcoder's output into MP4 atoms, MPEG-TS packets or raw video
frames.`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// initLogging references rootCmd.PersistentFlags
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig(rootCmd.PersistentFlags())
		if err != nil {
			return err
		}
		appConfig = cfg
		initLogging(cfg)
		return nil
	}

	// These flags are not bound to viper. They only override the loaded
	// config when Changed(), so the priority stays
	// CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./hubstream.yaml, /etc/hubstream/hubstream.yaml or $HOME/.hubstream/hubstream.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig reads the config file and environment, then applies any
// explicitly set logging flags.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	// Handle "warning" as an alias for "warn"
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating flags: %w", err)
	}
	return cfg, nil
}

// initLogging installs the process-wide logger.
func initLogging(cfg *config.Config) {
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	logger = logger.With(slog.String("app", version.ApplicationName))
	slog.SetDefault(logger)
	observability.SetRequestLogging(cfg.Server.RequestLogging)
}

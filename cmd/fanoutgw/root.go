package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/fanoutgw/internal/config"
	"github.com/vyrodovalexey/fanoutgw/internal/observability"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fanoutgw",
		Short:         "HTTP fan-out aggregation gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fs := cmd.PersistentFlags()
	fs.StringVarP(&opts.configPath, "config", "c", getEnvOrDefault(envConfigPath, defaultConfigPath),
		"path to configuration file")
	fs.StringVar(&opts.logLevel, "log-level", getEnvOrDefault(envLogLevel, ""),
		"log level override (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", getEnvOrDefault(envLogFormat, ""),
		"log format override (json, console, auto)")

	cmd.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

// loadConfig loads the configuration file, applies the log overrides
// and validates the result.
func (o *rootOptions) loadConfig() (*config.GatewayConfig, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	o.applyOverrides(cfg)
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", o.configPath, err)
	}
	return cfg, nil
}

func (o *rootOptions) applyOverrides(cfg *config.GatewayConfig) {
	if o.logLevel != "" {
		cfg.Observability.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Observability.Logging.Format = o.logFormat
	}
}

// newLogger builds the process logger.
func newLogger(cfg config.LoggingConfig) (observability.Logger, error) {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cdshooks/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "cdshooks-client",
		Short:         "CDS Hooks client: discovers CDS services and invokes them when hooks fire",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(invokeCmd())
	rootCmd.AddCommand(endpointsCmd())
	return rootCmd
}

// loadConfig loads and validates configuration and builds the process logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return nil, logger, err
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}

	if cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
			logger = logger.Level(lvl)
		}
	}
	return cfg, logger, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"aspyx/internal/config"
	"aspyx/internal/server"
	"aspyx/internal/telemetry/logging"
)

var runFlags struct {
	bindAddr string
	logLevel string
	dryRun   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the aspyx proxy",
	Long: `Start the aspyx proxy with the specified configuration.

The proxy listens on the configured bind address, forwards requests to the
resolved upstream provider, and records conversation events to the local
store.

Examples:
  # Start with default config
  aspyx run

  # Start with a custom config
  aspyx run --config /etc/aspyx/aspyx.toml

  # Override bind address
  aspyx run --bind 0.0.0.0:8080

  # Validate config without starting
  aspyx run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.bindAddr, "bind", "b", "", "override bind address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(cfgFile); err != nil {
		printFramedError(err)
		os.Exit(1)
	}
	cfg := config.Get()

	if runFlags.bindAddr != "" {
		cfg.BindAddr = runFlags.bindAddr
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if runFlags.dryRun {
		fmt.Printf("config %s is valid\n", cfgFile)
		return nil
	}

	logCfg := logging.Config{Level: cfg.Logging.Level}
	if cfg.Logging.File != "" {
		rotation, rerr := logging.ParseRotation(cfg.Logging.Rotation)
		if rerr != nil {
			return rerr
		}
		logCfg.Writer = logging.NewRotatingWriter(cfg.Logging.File, rotation)
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, logger.Slog())
	if err != nil {
		return fmt.Errorf("assemble server: %w", err)
	}

	// Hot-reload: a valid rewrite of the config file swaps the active
	// config; routing and pipelines pick it up on the next restart, and a
	// failed reload keeps the running config untouched.
	watcher, werr := config.NewWatcher(cfgFile,
		func(next *config.Config) {
			config.Set(next)
			logger.Info("config reloaded", "path", cfgFile)
		},
		func(err error) {
			logger.Warn("config reload failed, keeping active config", "error", err)
		})
	if werr == nil {
		defer watcher.Close()
	}

	return srv.Start(context.Background())
}

// printFramedError prints a configuration error inside a visible frame on
// stderr. A bad config never silently falls back to defaults.
func printFramedError(err error) {
	msg := err.Error()
	width := len(msg) + 4
	if width > 100 {
		width = 100
	}
	bar := strings.Repeat("=", width)
	fmt.Fprintf(os.Stderr, "%s\n  configuration error\n  %s\n%s\n", bar, msg, bar)
}

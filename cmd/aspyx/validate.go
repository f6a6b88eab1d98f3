package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"aspyx/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load and statically check a configuration file without starting the
proxy.

Checks performed:
  - TOML syntax
  - every client references a configured provider
  - provider api_format values are known
  - context-warning thresholds are strictly ascending
  - numeric knobs (batch sizes, pool sizes, rate limits) are sane

Examples:
  # Validate the default config path
  aspyx validate

  # Validate a specific file
  aspyx validate --config /etc/aspyx/aspyx.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			printFramedError(err)
			os.Exit(1)
		}
		fmt.Printf("config %s is valid\n", cfgFile)
		fmt.Printf("  bind_addr: %s\n", cfg.BindAddr)
		fmt.Printf("  providers: %d, clients: %d\n", len(cfg.Providers), len(cfg.Clients))
		fmt.Printf("  cortex: enabled=%v db_path=%s\n", cfg.Cortex.Enabled, cfg.Cortex.DBPath)
		fmt.Printf("  embeddings: provider=%s\n", cfg.Embeddings.Provider)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "aspyx",
	Short: "Aspyx - intercepting observability proxy for LLM traffic",
	Long: `Aspyx is an intercepting observability proxy that sits between an LLM
CLI client and an upstream chat-completion provider.

It forwards HTTP requests transparently while providing:
  - Structured capture of tool calls, thinking blocks, and token usage
  - A local queryable store with keyword, semantic, and hybrid search
  - Request transformation and Anthropic/OpenAI format translation
  - Count-tokens caching and rate limiting
  - Response-stream augmentation (context usage warnings)`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "aspyx.toml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

// cfgFile is the global --config flag, shared by all subcommands.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "arbstr",
	Short: "Satoshi-priced LLM provider arbitrage proxy",
	Long: `arbstr is a local OpenAI-compatible reverse proxy that routes each
chat-completion request to the cheapest configured provider that satisfies
the active routing policy, with retry, fallback, circuit breaking and
SQLite request logging.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: ./arbstr.toml)")
}

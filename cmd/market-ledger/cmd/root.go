// Package cmd implements the CLI commands for market-ledger.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "market-ledger",
	Short: "Reconcile marketplace listings into a price ledger",
	Long: "An ingestion service that walks marketplace feeds until they stop growing,\n" +
		"reconciles every listing against stored state, keeps an append-only\n" +
		"price history and records each pass as an auditable run.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (built-in defaults when empty)")
}

// Root returns the root cobra command for documentation generation.
func Root() *cobra.Command {
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

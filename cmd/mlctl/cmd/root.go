// Package cmd implements the mlctl CLI commands.
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apiclient "github.com/donaldgifford/market-ledger/internal/api/client"
)

// Settings are read through viper so each can come from a flag, the
// MLCTL_* environment or ~/.mlctl.yaml.
const (
	keyServer  = "server"
	keyOutput  = "output"
	keyTimeout = "timeout"
)

var (
	cfgFile string
	rootCmd = newRootCmd()
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mlctl",
		Short: "CLI client for market-ledger",
		Long: "mlctl queries a market-ledger server: listings and their price\n" +
			"history, ingestion runs and the change-sets they produced. It can\n" +
			"also ask the server to start an ingestion run.",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch out := viper.GetString(keyOutput); out {
			case "table", "json":
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (want table or json)", out)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.mlctl.yaml)")
	flags.String(keyServer, "http://localhost:8080", "market-ledger API URL")
	flags.String(keyOutput, "table", "output format (table, json)")
	flags.Duration(keyTimeout, 30*time.Second, "per-request timeout")

	for _, key := range []string{keyServer, keyOutput, keyTimeout} {
		cobra.CheckErr(viper.BindPFlag(key, flags.Lookup(key)))
	}

	root.AddCommand(listingsCmd(), runsCmd(), statsCmd(), ingestCmd())
	return root
}

// Root returns the root command; docgen renders it to markdown.
func Root() *cobra.Command {
	return rootCmd
}

// Execute runs mlctl and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadSettings)
}

func loadSettings() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mlctl")
	}

	viper.SetEnvPrefix("MLCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *apiclient.Client {
	return apiclient.New(
		viper.GetString(keyServer),
		apiclient.WithHTTPClient(&http.Client{Timeout: viper.GetDuration(keyTimeout)}),
	)
}

func jsonOutput() bool {
	return viper.GetString(keyOutput) == "json"
}

package cmd

import (
	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dataset statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newClient().GetStats(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput() {
				return outputJSON(st)
			}
			return printStats(st)
		},
	}
}

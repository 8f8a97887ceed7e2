package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func runsCmd() *cobra.Command {
	runsRoot := &cobra.Command{
		Use:   "runs",
		Short: "Inspect ingestion runs and their change-sets",
	}

	runsRoot.AddCommand(
		runsListCmd(),
		runsGetCmd(),
		runsNewCmd(),
		runsPriceChangesCmd(),
	)

	return runsRoot
}

func runsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := newClient().ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if jsonOutput() {
				return outputJSON(runs)
			}

			if len(runs) == 0 {
				fmt.Println("No runs yet.")
				return nil
			}
			return printRunsTable(runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")

	return cmd
}

func runsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run and its counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			run, err := newClient().GetRun(cmd.Context(), id)
			if err != nil {
				return err
			}

			if jsonOutput() {
				return outputJSON(run)
			}
			return printRunDetail(run)
		},
	}
}

func runsNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new <run-id>",
		Short: "List the listings a run created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			listings, err := newClient().ListNewInRun(cmd.Context(), id)
			if err != nil {
				return err
			}

			if jsonOutput() {
				return outputJSON(listings)
			}
			if len(listings) == 0 {
				fmt.Println("No new listings in this run.")
				return nil
			}
			return printListingsTable(listings)
		},
	}
}

func runsPriceChangesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price-changes <run-id>",
		Short: "List the price transitions a run produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			changes, err := newClient().ListPriceChangesInRun(cmd.Context(), id)
			if err != nil {
				return err
			}

			if jsonOutput() {
				return outputJSON(changes)
			}
			if len(changes) == 0 {
				fmt.Println("No price changes in this run.")
				return nil
			}
			return printPriceChangesTable(changes)
		},
	}
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", s)
	}
	return id, nil
}

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and manage ingestion runs",
}

var (
	runsLimit      int
	finalizeStatus string
	finalizeReason string
)

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			runs, err := a.store.ListRuns(cmd.Context(), runsLimit)
			if err != nil {
				return err
			}
			return printRunsTable(cmd.OutOrStdout(), runs)
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			run, err := a.store.GetRun(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("getting run %d: %w", id, err)
			}
			return printRunDetail(cmd.OutOrStdout(), run)
		})
	},
}

var runsCountersCmd = &cobra.Command{
	Use:   "counters <run-id>",
	Short: "Show a run's counters, computed live while it is running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			c, err := a.newLedger().Counters(cmd.Context(), id)
			if err != nil {
				return err
			}
			tw := newTabWriter(cmd.OutOrStdout())
			writeCounters(tw, c)
			return tw.finish()
		})
	},
}

var runsRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Abort runs left running by a crashed process",
	Long: "Aborts every running run. Their committed writes are kept and\n" +
		"their counters recomputed but marked untrusted. Do not use while\n" +
		"another process is ingesting.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ids, err := a.newLedger().Recover(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stale runs.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered runs: %v\n", ids)
			return nil
		})
	},
}

var runsFinalizeCmd = &cobra.Command{
	Use:   "finalize <run-id>",
	Short: "Finalize a running run, or accept an aborted one",
	Long: "finalize ends a run left running with the given --status.\n" +
		"With --status completed it also accepts an aborted, untrusted run\n" +
		"(for example one aborted by crash recovery): its counters are\n" +
		"recomputed and its change-set becomes selectable for export.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			run, err := a.newLedger().FinalizeRun(cmd.Context(), id, domain.RunStatus(finalizeStatus), finalizeReason)
			if err != nil {
				return err
			}
			return printRunDetail(cmd.OutOrStdout(), run)
		})
	},
}

var runsDiscardCmd = &cobra.Command{
	Use:   "discard <run-id>",
	Short: "Exclude a finalized run's change-set from exports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			run, err := a.newLedger().Discard(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printRunDetail(cmd.OutOrStdout(), run)
		})
	},
}

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs")
	runsFinalizeCmd.Flags().
		StringVar(&finalizeStatus, "status", string(domain.RunAborted), "final status (completed, aborted)")
	runsFinalizeCmd.Flags().StringVar(&finalizeReason, "reason", "manual", "stop reason to record")

	runsCmd.AddCommand(
		runsListCmd,
		runsShowCmd,
		runsCountersCmd,
		runsRecoverCmd,
		runsFinalizeCmd,
		runsDiscardCmd,
	)
	rootCmd.AddCommand(runsCmd)
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", s)
	}
	return id, nil
}

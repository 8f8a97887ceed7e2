package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/donaldgifford/market-ledger/internal/engine"
)

var (
	ingestFeeds   []string
	ingestTimeout time.Duration
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Execute one ingestion run and exit",
	Long: "Walks the configured feeds, or the feeds given with --feed, once.\n" +
		"An interrupt aborts the run; work already committed is kept.",
	Example: `  # Walk every configured feed
  market-ledger ingest

  # Walk two feeds with a ten minute bound
  market-ledger ingest --feed vehicles.jsonl --feed motorcycles.jsonl --timeout 10m`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringArrayVar(&ingestFeeds, "feed", nil, "feed to walk (repeatable)")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 0, "bound on the run (config ingestion.timeout when zero)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app) error {
		eng, err := a.newEngine(engine.WithStartupRecovery(false))
		if err != nil {
			return err
		}

		timeout := ingestTimeout
		if timeout == 0 {
			timeout = a.cfg.Ingestion.Timeout
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		run, err := eng.RunIngestion(runCtx, ingestFeeds...)
		if errors.Is(err, engine.ErrRunInProgress) {
			return fmt.Errorf("%w (use 'market-ledger runs recover' if no process is ingesting)", err)
		}
		if err != nil {
			return err
		}

		return printRunDetail(cmd.OutOrStdout(), run)
	})
}

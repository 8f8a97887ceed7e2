package cmd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	apiclient "github.com/donaldgifford/market-ledger/internal/api/client"
)

var errRunInProgress = errors.New("an ingestion run is already in progress")

func ingestCmd() *cobra.Command {
	var feeds []string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Trigger an ingestion run",
		Long: "Asks the server to start an ingestion run over its configured feeds,\n" +
			"or over the feeds given with --feed. The run executes in the background;\n" +
			"follow it with 'mlctl runs get <id>'.",
		Example: `  mlctl ingest
  mlctl ingest --feed vehicles.jsonl`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := newClient().TriggerIngestion(cmd.Context(), feeds...)
			if apiclient.IsStatus(err, http.StatusConflict) {
				return errRunInProgress
			}
			if err != nil {
				return err
			}

			if jsonOutput() {
				return outputJSON(resp)
			}
			fmt.Printf("Ingestion run %d started.\n", resp.RunID)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&feeds, "feed", nil, "feed to walk (repeatable)")

	return cmd
}

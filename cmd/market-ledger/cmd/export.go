package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/donaldgifford/market-ledger/internal/engine"
	"github.com/donaldgifford/market-ledger/internal/export"
	"github.com/donaldgifford/market-ledger/internal/store"
)

var (
	exportOut      string
	exportQuery    string
	exportCategory string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write listings, change-sets or price history to CSV or XLSX",
	Long: "Writes a table to --out. The extension selects the format (.csv or\n" +
		".xlsx). Without --out the file lands in export.dir as CSV.",
}

var exportListingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "Export current listings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runExport(cmd, "listings", func(ctx context.Context, a *app) (export.Table, error) {
			q := &store.ListingQuery{}
			if exportQuery != "" {
				q.Search = &exportQuery
			}
			if exportCategory != "" {
				q.CategoryHint = &exportCategory
			}
			listings, err := a.store.ExportListings(ctx, q)
			if err != nil {
				return export.Table{}, err
			}
			return export.ListingsTable(listings), nil
		})
	},
}

var exportNewCmd = &cobra.Command{
	Use:   "new <run-id>",
	Short: "Export the listings a run created",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		name := fmt.Sprintf("run-%d-new", id)
		return runExport(cmd, name, func(ctx context.Context, a *app) (export.Table, error) {
			listings, err := engine.NewSelector(a.store).NewSince(ctx, id)
			if err != nil {
				return export.Table{}, err
			}
			return export.ListingsTable(listings), nil
		})
	},
}

var exportPriceChangesCmd = &cobra.Command{
	Use:   "price-changes <run-id>",
	Short: "Export the price transitions a run produced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		name := fmt.Sprintf("run-%d-price-changes", id)
		return runExport(cmd, name, func(ctx context.Context, a *app) (export.Table, error) {
			changes, err := engine.NewSelector(a.store).PriceChangedSince(ctx, id)
			if err != nil {
				return export.Table{}, err
			}
			return export.PriceChangesTable(changes), nil
		})
	},
}

var exportHistoryCmd = &cobra.Command{
	Use:   "history <item-id>",
	Short: "Export the price ledger of one listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemID := args[0]
		return runExport(cmd, "history-"+itemID, func(ctx context.Context, a *app) (export.Table, error) {
			if _, err := a.store.GetListing(ctx, itemID); err != nil {
				return export.Table{}, fmt.Errorf("getting listing %s: %w", itemID, err)
			}
			entries, err := a.store.ListPriceHistory(ctx, itemID)
			if err != nil {
				return export.Table{}, err
			}
			return export.HistoryTable(entries), nil
		})
	},
}

func init() {
	exportCmd.PersistentFlags().StringVar(&exportOut, "out", "", "output file (.csv or .xlsx)")
	exportListingsCmd.Flags().StringVar(&exportQuery, "q", "", "free-text filter")
	exportListingsCmd.Flags().StringVar(&exportCategory, "category", "", "category hint filter")

	exportCmd.AddCommand(
		exportListingsCmd,
		exportNewCmd,
		exportPriceChangesCmd,
		exportHistoryCmd,
	)
	rootCmd.AddCommand(exportCmd)
}

func runExport(
	cmd *cobra.Command,
	name string,
	build func(ctx context.Context, a *app) (export.Table, error),
) error {
	if exportOut != "" {
		if _, err := export.FormatFromPath(exportOut); err != nil {
			return err
		}
	}

	return withApp(cmd.Context(), func(a *app) error {
		table, err := build(cmd.Context(), a)
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = filepath.Join(a.cfg.Export.Dir, name+".csv")
		}
		if err := export.WriteFile(out, &table); err != nil {
			return err
		}

		a.log.Info("export written", "path", out, "sheet", table.Sheet, "rows", table.Len())
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d rows to %s\n", table.Len(), out)
		return nil
	})
}

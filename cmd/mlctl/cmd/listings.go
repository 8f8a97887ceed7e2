package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	apiclient "github.com/donaldgifford/market-ledger/internal/api/client"
)

func listingsCmd() *cobra.Command {
	listingsRoot := &cobra.Command{
		Use:   "listings",
		Short: "Query listings",
		Long: "Query and inspect listings that market-ledger has reconciled,\n" +
			"with their current price and price history.",
	}

	listingsRoot.AddCommand(
		listingsListCmd(),
		listingsGetCmd(),
		listingsHistoryCmd(),
	)

	return listingsRoot
}

func listingsListCmd() *cobra.Command {
	var params apiclient.ListListingsParams

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List listings with optional filters",
		Example: `  # List the most recently seen listings
  mlctl listings list

  # Free-text search within a price range
  mlctl listings list --q civic --min-price 2000 --max-price 8000

  # Newest model years first, second page
  mlctl listings list --order-by year_desc --limit 20 --offset 20`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := newClient().ListListings(cmd.Context(), &params)
			if err != nil {
				return err
			}

			if jsonOutput() {
				return outputJSON(resp)
			}

			if len(resp.Listings) == 0 {
				fmt.Println("No listings found.")
				return nil
			}

			fmt.Printf("Showing %d of %d listings\n\n", len(resp.Listings), resp.Total)
			return printListingsTable(resp.Listings)
		},
	}
	cmd.Flags().StringVar(&params.Query, "q", "", "free-text filter")
	cmd.Flags().StringVar(&params.Category, "category", "", "category hint filter")
	cmd.Flags().Float64Var(&params.MinPrice, "min-price", 0, "minimum current price")
	cmd.Flags().Float64Var(&params.MaxPrice, "max-price", 0, "maximum current price")
	cmd.Flags().IntVar(&params.Year, "year", 0, "model year")
	cmd.Flags().IntVar(&params.Limit, "limit", 50, "number of results")
	cmd.Flags().IntVar(&params.Offset, "offset", 0, "result offset")
	cmd.Flags().StringVar(&params.OrderBy, "order-by", "",
		"sort order (last_seen_desc, price_asc, price_desc, year_desc, year_asc)")

	return cmd
}

func listingsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "get <item-id>",
		Short:   "Show listing details",
		Example: `  mlctl listings get 1234567890`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newClient().GetListing(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput() {
				return outputJSON(l)
			}

			return printListingDetail(l)
		},
	}
}

func listingsHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <item-id>",
		Short: "Show the price history of a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := newClient().GetPriceHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput() {
				return outputJSON(entries)
			}

			return printHistoryTable(entries)
		},
	}
}

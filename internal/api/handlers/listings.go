package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/donaldgifford/market-ledger/internal/export"
	"github.com/donaldgifford/market-ledger/internal/store"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// activeWindow is how far back a listing must have been seen to count as
// active in the stats.
const activeWindow = 7 * 24 * time.Hour

// ListingsProvider defines the store methods required by the listings
// handler.
type ListingsProvider interface {
	GetListing(ctx context.Context, itemID string) (*domain.Listing, error)
	ListListings(ctx context.Context, q *store.ListingQuery) ([]domain.Listing, int, error)
	ExportListings(ctx context.Context, q *store.ListingQuery) ([]domain.Listing, error)
	ListPriceHistory(ctx context.Context, itemID string) ([]domain.PriceHistoryEntry, error)
	GetStats(ctx context.Context, activeSince time.Time) (*domain.Stats, error)
}

// ListingsHandler handles listing query endpoints.
type ListingsHandler struct {
	store   ListingsProvider
	nowFunc func() time.Time
}

// NewListingsHandler creates a new ListingsHandler.
func NewListingsHandler(s ListingsProvider) *ListingsHandler {
	return &ListingsHandler{store: s, nowFunc: time.Now}
}

// --- Input/Output types ---

// ListingFilter holds the listing filters shared by list and export.
// Zero values mean "no filter".
type ListingFilter struct {
	Q        string  `query:"q"             doc:"Substring of title or description"`
	Category string  `query:"category_hint" doc:"Filter by category hint"`
	MinPrice float64 `query:"min_price"     doc:"Minimum current price"              minimum:"0"`
	MaxPrice float64 `query:"max_price"     doc:"Maximum current price"              minimum:"0"`
	Year     int     `query:"year"          doc:"Vehicle model year"`
	MinLat   float64 `query:"min_lat"       doc:"Bounding box south edge"`
	MaxLat   float64 `query:"max_lat"       doc:"Bounding box north edge"`
	MinLon   float64 `query:"min_lon"       doc:"Bounding box west edge"`
	MaxLon   float64 `query:"max_lon"       doc:"Bounding box east edge"`
	OrderBy  string  `query:"order_by"      doc:"Sort order"                         enum:"last_seen_desc,price_asc,price_desc,year_desc,year_asc,"`
}

func (f *ListingFilter) query() *store.ListingQuery {
	q := &store.ListingQuery{OrderBy: f.OrderBy}
	if f.Q != "" {
		q.Search = &f.Q
	}
	if f.Category != "" {
		q.CategoryHint = &f.Category
	}
	if f.MinPrice != 0 {
		q.MinPrice = &f.MinPrice
	}
	if f.MaxPrice != 0 {
		q.MaxPrice = &f.MaxPrice
	}
	if f.Year != 0 {
		q.Year = &f.Year
	}
	if f.MinLat != 0 {
		q.MinLat = &f.MinLat
	}
	if f.MaxLat != 0 {
		q.MaxLat = &f.MaxLat
	}
	if f.MinLon != 0 {
		q.MinLon = &f.MinLon
	}
	if f.MaxLon != 0 {
		q.MaxLon = &f.MaxLon
	}
	return q
}

// ListListingsInput is the input for listing listings with optional filters.
type ListListingsInput struct {
	ListingFilter
	Limit  int `query:"limit"  doc:"Number of results (default 50)" minimum:"1" maximum:"500"`
	Offset int `query:"offset" doc:"Pagination offset"               minimum:"0"`
}

// ListListingsOutput is the response for listing listings.
type ListListingsOutput struct {
	Body struct {
		Listings []domain.Listing `json:"listings"`
		Total    int              `json:"total"`
		Limit    int              `json:"limit"`
		Offset   int              `json:"offset"`
	}
}

// GetListingInput is the input for getting a single listing.
type GetListingInput struct {
	ItemID string `path:"item_id" doc:"Marketplace item identifier"`
}

// GetListingOutput is the response for getting a single listing.
type GetListingOutput struct {
	Body domain.Listing
}

// GetPriceHistoryOutput is the ledger of a single listing, oldest first.
type GetPriceHistoryOutput struct {
	Body []domain.PriceHistoryEntry
}

// ExportListingsInput is the input for the CSV export.
type ExportListingsInput struct {
	ListingFilter
}

// ExportListingsOutput is a CSV attachment.
type ExportListingsOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

// GetStatsOutput is the dataset overview.
type GetStatsOutput struct {
	Body domain.Stats
}

// --- Handlers ---

// ListListings returns listings matching the filters, paginated.
func (h *ListingsHandler) ListListings(
	ctx context.Context,
	input *ListListingsInput,
) (*ListListingsOutput, error) {
	q := input.query()
	q.Limit = input.Limit
	q.Offset = input.Offset

	listings, total, err := h.store.ListListings(ctx, q)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing query failed: " + err.Error())
	}

	if listings == nil {
		listings = []domain.Listing{}
	}

	resp := &ListListingsOutput{}
	resp.Body.Listings = listings
	resp.Body.Total = total
	resp.Body.Limit = q.Limit
	resp.Body.Offset = q.Offset

	return resp, nil
}

// GetListing returns a single listing by item id.
func (h *ListingsHandler) GetListing(
	ctx context.Context,
	input *GetListingInput,
) (*GetListingOutput, error) {
	listing, err := h.store.GetListing(ctx, input.ItemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, huma.Error404NotFound("listing not found")
		}
		return nil, huma.Error500InternalServerError("fetching listing failed: " + err.Error())
	}

	return &GetListingOutput{Body: *listing}, nil
}

// GetPriceHistory returns the price ledger of a listing.
func (h *ListingsHandler) GetPriceHistory(
	ctx context.Context,
	input *GetListingInput,
) (*GetPriceHistoryOutput, error) {
	if _, err := h.GetListing(ctx, input); err != nil {
		return nil, err
	}

	entries, err := h.store.ListPriceHistory(ctx, input.ItemID)
	if err != nil {
		return nil, huma.Error500InternalServerError("fetching price history failed: " + err.Error())
	}

	if entries == nil {
		entries = []domain.PriceHistoryEntry{}
	}

	return &GetPriceHistoryOutput{Body: entries}, nil
}

// ExportListingsCSV returns the filtered listings as a CSV attachment.
func (h *ListingsHandler) ExportListingsCSV(
	ctx context.Context,
	input *ExportListingsInput,
) (*ExportListingsOutput, error) {
	listings, err := h.store.ExportListings(ctx, input.query())
	if err != nil {
		return nil, huma.Error500InternalServerError("export query failed: " + err.Error())
	}

	tbl := export.ListingsTable(listings)
	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, &tbl); err != nil {
		return nil, huma.Error500InternalServerError("rendering csv failed: " + err.Error())
	}

	return &ExportListingsOutput{
		ContentType:        "text/csv; charset=utf-8",
		ContentDisposition: `attachment; filename="listings.csv"`,
		Body:               buf.Bytes(),
	}, nil
}

// GetStats returns dataset totals, price summaries and top brands/years.
func (h *ListingsHandler) GetStats(
	ctx context.Context,
	_ *struct{},
) (*GetStatsOutput, error) {
	st, err := h.store.GetStats(ctx, h.nowFunc().Add(-activeWindow))
	if err != nil {
		return nil, huma.Error500InternalServerError("computing stats failed: " + err.Error())
	}
	st.ActiveDays = int(activeWindow / (24 * time.Hour))

	return &GetStatsOutput{Body: *st}, nil
}

// RegisterListingRoutes registers listing endpoints with the Huma API.
func RegisterListingRoutes(api huma.API, h *ListingsHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-listings",
		Method:      http.MethodGet,
		Path:        "/api/v1/listings",
		Summary:     "List listings",
		Description: "Returns listings with their current price, filtered by text, " +
			"category, price range, year and bounding box.",
		Tags: []string{"listings"},
	}, h.ListListings)

	huma.Register(api, huma.Operation{
		OperationID: "export-listings-csv",
		Method:      http.MethodGet,
		Path:        "/api/v1/listings/export.csv",
		Summary:     "Export listings as CSV",
		Description: "Returns up to 10000 filtered listings as a CSV attachment.",
		Tags:        []string{"listings"},
	}, h.ExportListingsCSV)

	huma.Register(api, huma.Operation{
		OperationID: "get-listing",
		Method:      http.MethodGet,
		Path:        "/api/v1/listings/{item_id}",
		Summary:     "Get a listing",
		Description: "Returns a single listing by its marketplace item id.",
		Tags:        []string{"listings"},
		Errors:      []int{http.StatusNotFound},
	}, h.GetListing)

	huma.Register(api, huma.Operation{
		OperationID: "get-price-history",
		Method:      http.MethodGet,
		Path:        "/api/v1/listings/{item_id}/history",
		Summary:     "Get price history",
		Description: "Returns the append-only price ledger of a listing, oldest first.",
		Tags:        []string{"listings"},
		Errors:      []int{http.StatusNotFound},
	}, h.GetPriceHistory)

	huma.Register(api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/stats",
		Summary:     "Dataset statistics",
		Description: "Returns listing totals, price summaries per currency and top brands and years.",
		Tags:        []string{"listings"},
	}, h.GetStats)
}

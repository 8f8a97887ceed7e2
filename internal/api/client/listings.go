package client

import (
	"context"
	"net/url"
	"strconv"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// ListingsResponse wraps a paginated listings response.
type ListingsResponse struct {
	Listings []domain.Listing `json:"listings"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// ListListingsParams defines query parameters for listing queries.
type ListListingsParams struct {
	Query    string
	Category string
	MinPrice float64
	MaxPrice float64
	Year     int
	Limit    int
	Offset   int
	OrderBy  string
}

func (p *ListListingsParams) values() url.Values {
	q := url.Values{}
	if p == nil {
		return q
	}
	if p.Query != "" {
		q.Set("q", p.Query)
	}
	if p.Category != "" {
		q.Set("category_hint", p.Category)
	}
	if p.MinPrice > 0 {
		q.Set("min_price", strconv.FormatFloat(p.MinPrice, 'f', -1, 64))
	}
	if p.MaxPrice > 0 {
		q.Set("max_price", strconv.FormatFloat(p.MaxPrice, 'f', -1, 64))
	}
	if p.Year > 0 {
		q.Set("year", strconv.Itoa(p.Year))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	if p.OrderBy != "" {
		q.Set("order_by", p.OrderBy)
	}
	return q
}

// ListListings returns listings matching the given parameters.
func (c *Client) ListListings(ctx context.Context, params *ListListingsParams) (*ListingsResponse, error) {
	var resp ListingsResponse
	if err := c.get(ctx, "/api/v1/listings", params.values(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetListing returns a single listing by item id.
func (c *Client) GetListing(ctx context.Context, itemID string) (*domain.Listing, error) {
	var listing domain.Listing
	if err := c.get(ctx, "/api/v1/listings/"+url.PathEscape(itemID), nil, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// GetPriceHistory returns the price ledger of a listing, oldest first.
func (c *Client) GetPriceHistory(ctx context.Context, itemID string) ([]domain.PriceHistoryEntry, error) {
	var entries []domain.PriceHistoryEntry
	if err := c.get(ctx, "/api/v1/listings/"+url.PathEscape(itemID)+"/history", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExportListingsCSV returns the filtered listings as CSV bytes.
func (c *Client) ExportListingsCSV(ctx context.Context, params *ListListingsParams) ([]byte, error) {
	q := params.values()
	q.Del("limit")
	q.Del("offset")
	path := "/api/v1/listings/export.csv"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.raw(ctx, "GET", path)
}

// GetStats returns the dataset overview.
func (c *Client) GetStats(ctx context.Context) (*domain.Stats, error) {
	var st domain.Stats
	if err := c.get(ctx, "/api/v1/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

package client

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// IngestResponse is returned when a run was started.
type IngestResponse struct {
	RunID  int64  `json:"run_id"`
	Status string `json:"status"`
}

// ListRuns returns the most recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var runs []domain.Run
	if err := c.get(ctx, "/api/v1/runs", q, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun returns a single run.
func (c *Client) GetRun(ctx context.Context, id int64) (*domain.Run, error) {
	var run domain.Run
	if err := c.get(ctx, runPath(id, ""), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListNewInRun returns the listings a run created.
func (c *Client) ListNewInRun(ctx context.Context, id int64) ([]domain.Listing, error) {
	var listings []domain.Listing
	if err := c.get(ctx, runPath(id, "/new"), nil, &listings); err != nil {
		return nil, err
	}
	return listings, nil
}

// ListPriceChangesInRun returns the price transitions a run produced.
func (c *Client) ListPriceChangesInRun(ctx context.Context, id int64) ([]domain.PriceChange, error) {
	var changes []domain.PriceChange
	if err := c.get(ctx, runPath(id, "/price-changes"), nil, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// TriggerIngestion starts a run over feeds, or the configured feeds when
// none are given. A run already in progress yields an APIError with
// status 409.
func (c *Client) TriggerIngestion(ctx context.Context, feeds ...string) (*IngestResponse, error) {
	q := url.Values{}
	if len(feeds) > 0 {
		q.Set("feed", strings.Join(feeds, ","))
	}
	var resp IngestResponse
	if err := c.post(ctx, "/api/v1/ingest", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func runPath(id int64, suffix string) string {
	return "/api/v1/runs/" + strconv.FormatInt(id, 10) + suffix
}

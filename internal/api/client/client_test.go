package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

func TestClient_ConnectionRefused(t *testing.T) {
	t.Parallel()

	c := New("http://127.0.0.1:1") // nothing listening
	_, err := c.GetStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API server not running")
}

func TestClient_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.ListRuns(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (HTTP 500)")
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
	assert.False(t, IsStatus(err, http.StatusConflict))
}

func TestClient_ListListings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		params    *ListListingsParams
		wantQuery map[string]string
	}{
		{
			name:      "no params",
			params:    nil,
			wantQuery: map[string]string{},
		},
		{
			name: "filters",
			params: &ListListingsParams{
				Query:    "civic",
				Category: "vehicles",
				MinPrice: 1000,
				MaxPrice: 2500.5,
				Year:     2012,
				Limit:    10,
				Offset:   20,
				OrderBy:  "price",
			},
			wantQuery: map[string]string{
				"q":             "civic",
				"category_hint": "vehicles",
				"min_price":     "1000",
				"max_price":     "2500.5",
				"year":          "2012",
				"limit":         "10",
				"offset":        "20",
				"order_by":      "price",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/listings", r.URL.Path)
				q := r.URL.Query()
				assert.Len(t, q, len(tt.wantQuery))
				for k, v := range tt.wantQuery {
					assert.Equal(t, v, q.Get(k), k)
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(ListingsResponse{
					Listings: []domain.Listing{{ItemID: "a1"}},
					Total:    1,
				})
			}))
			defer srv.Close()

			result, err := New(srv.URL).ListListings(context.Background(), tt.params)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Total)
			require.Len(t, result.Listings, 1)
			assert.Equal(t, "a1", result.Listings[0].ItemID)
		})
	}
}

func TestClient_GetListing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/listings/a1":
			json.NewEncoder(w).Encode(domain.Listing{ItemID: "a1", LastSeenRun: 3})
		case "/api/v1/listings/a1/history":
			json.NewEncoder(w).Encode([]domain.PriceHistoryEntry{
				{ItemID: "a1", Price: domain.Money{Amount: "100", Currency: "USD"}, RunID: 1},
				{ItemID: "a1", Price: domain.Money{Amount: "90", Currency: "USD"}, RunID: 3},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)

	listing, err := c.GetListing(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), listing.LastSeenRun)

	history, err := c.GetPriceHistory(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "90", history[1].Price.Amount)

	_, err = c.GetListing(context.Background(), "missing")
	assert.True(t, IsStatus(err, http.StatusNotFound))
}

func TestClient_ExportListingsCSV(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/listings/export.csv", r.URL.Path)
		assert.Equal(t, "civic", r.URL.Query().Get("q"))
		assert.Empty(t, r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("item_id\na1\n"))
	}))
	defer srv.Close()

	body, err := New(srv.URL).ExportListingsCSV(context.Background(), &ListListingsParams{
		Query: "civic",
		Limit: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "item_id\na1\n", string(body))
}

func TestClient_Runs(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/runs":
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode([]domain.Run{{ID: 2}, {ID: 1}})
		case "/api/v1/runs/2":
			json.NewEncoder(w).Encode(domain.Run{
				ID:        2,
				StartedAt: started,
				Status:    domain.RunCompleted,
				Trusted:   true,
				Counters:  domain.RunCounters{Seen: 4, Created: 1},
			})
		case "/api/v1/runs/2/new":
			json.NewEncoder(w).Encode([]domain.Listing{{ItemID: "n1"}})
		case "/api/v1/runs/2/price-changes":
			json.NewEncoder(w).Encode([]domain.PriceChange{{
				ItemID: "p1",
				Old:    domain.Money{Amount: "10", Currency: "USD"},
				New:    domain.Money{Amount: "8", Currency: "USD"},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	runs, err := c.ListRuns(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	run, err := c.GetRun(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.True(t, run.StartedAt.Equal(started))
	assert.Equal(t, 1, run.Counters.Created)

	created, err := c.ListNewInRun(ctx, 2)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "n1", created[0].ItemID)

	changes, err := c.ListPriceChangesInRun(ctx, 2)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "8", changes[0].New.Amount)
}

func TestClient_TriggerIngestion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		feeds      []string
		status     int
		wantFeed   string
		wantRunID  int64
		wantStatus int
	}{
		{
			name:      "configured feeds",
			status:    http.StatusAccepted,
			wantRunID: 9,
		},
		{
			name:      "selected feeds",
			feeds:     []string{"a.jsonl", "b.jsonl"},
			status:    http.StatusAccepted,
			wantFeed:  "a.jsonl,b.jsonl",
			wantRunID: 9,
		},
		{
			name:       "conflict",
			status:     http.StatusConflict,
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/v1/ingest", r.URL.Path)
				assert.Equal(t, tt.wantFeed, r.URL.Query().Get("feed"))
				w.WriteHeader(tt.status)
				if tt.status == http.StatusAccepted {
					_, _ = w.Write([]byte(`{"run_id":9,"status":"accepted"}`))
					return
				}
				_, _ = w.Write([]byte(`{"detail":"an ingestion run is already in progress"}`))
			}))
			defer srv.Close()

			resp, err := New(srv.URL).TriggerIngestion(context.Background(), tt.feeds...)
			if tt.wantStatus != 0 {
				require.Error(t, err)
				assert.True(t, IsStatus(err, tt.wantStatus))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRunID, resp.RunID)
			assert.Equal(t, "accepted", resp.Status)
		})
	}
}

func TestWithHTTPClient(t *testing.T) {
	t.Parallel()

	hc := &http.Client{Timeout: 5 * time.Second}
	c := New("http://localhost:8080/", WithHTTPClient(hc))
	assert.Equal(t, hc, c.httpClient)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
}

// Package store defines the datastore abstraction for market-ledger.
// Reconciliation logic depends on the Store and Tx interfaces, never on
// concrete implementations. PostgreSQL is the primary backend; SQLite
// serves single-host deployments and the engine tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("not found")

// ListingQuery defines optional filters for listing queries.
type ListingQuery struct {
	Search       *string
	CategoryHint *string
	MinPrice     *float64
	MaxPrice     *float64
	Year         *int
	MinLat       *float64
	MaxLat       *float64
	MinLon       *float64
	MaxLon       *float64
	Limit        int // default 50
	Offset       int
	OrderBy      string // "last_seen_desc", "price_asc", "price_desc", "year_desc", "year_asc"
}

// Store is the durable home of listings, the price ledger and runs.
//
// All mutation of listings and the ledger happens inside InTx, one
// transaction per identifier. The read methods serve the export boundary.
type Store interface {
	// InTx runs fn in one transaction. fn's error rolls the transaction
	// back and is returned unchanged.
	InTx(ctx context.Context, fn func(Tx) error) error

	// Listings
	GetListing(ctx context.Context, itemID string) (*domain.Listing, error)
	ListListings(ctx context.Context, q *ListingQuery) ([]domain.Listing, int, error)
	ExportListings(ctx context.Context, q *ListingQuery) ([]domain.Listing, error)
	ListPriceHistory(ctx context.Context, itemID string) ([]domain.PriceHistoryEntry, error)
	GetStats(ctx context.Context, activeSince time.Time) (*domain.Stats, error)

	// Runs
	GetRun(ctx context.Context, id int64) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
	ListNewInRun(ctx context.Context, runID int64) ([]domain.Listing, error)
	ListPriceChangesInRun(ctx context.Context, runID int64) ([]domain.PriceChange, error)
	RecordRunFailure(ctx context.Context, runID int64, itemID, stage, errText string) (bool, error)

	// Migrations
	Migrate(ctx context.Context) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of per-record operations available inside InTx.
type Tx interface {
	// LockRuns serializes run lifecycle changes for the rest of the
	// transaction.
	LockRuns(ctx context.Context) error
	RunningRuns(ctx context.Context) ([]domain.Run, error)
	InsertRun(ctx context.Context, startedAt time.Time) (*domain.Run, error)
	GetRun(ctx context.Context, id int64) (*domain.Run, error)
	UpdateRun(ctx context.Context, r *domain.Run) error
	// RunCounters derives counters from the identifiers recorded
	// against the run.
	RunCounters(ctx context.Context, runID int64) (domain.RunCounters, error)

	// GetListingForUpdate loads a listing with its ledger head and locks
	// the row until the transaction ends.
	GetListingForUpdate(ctx context.Context, itemID string) (*domain.Listing, error)
	InsertListing(ctx context.Context, l *domain.Listing) error
	UpdateListing(ctx context.Context, l *domain.Listing) error
	AppendPrice(ctx context.Context, e *domain.PriceHistoryEntry) error
	// RecordRunItem records the outcome for an identifier in a run. It
	// reports false when the identifier was already counted.
	RecordRunItem(ctx context.Context, runID int64, itemID string, o domain.Outcome) (bool, error)
}

// countersFrom folds outcome and failure counts into RunCounters.
func countersFrom(outcomes, failures map[string]int) domain.RunCounters {
	var c domain.RunCounters
	for o, n := range outcomes {
		c.Add(domain.Outcome(o), n)
	}
	c.Failed = failures[domain.StageCommit]
	c.NormalizeFailed = failures[domain.StageNormalize]
	c.Seen = c.Total()
	return c
}

// notFound maps driver no-row errors to ErrNotFound.
func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

const defaultPoolSize = 10

// Pool is the subset of *pgxpool.Pool used by PostgresStore. pgxmock's
// pool satisfies it in tests.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool (connection-pooled PostgreSQL).
type PostgresStore struct {
	pool Pool
}

// NewPostgresStore creates a new PostgresStore with connection pooling.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	cfg.MaxConns = defaultPoolSize
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool wraps an existing pool.
func NewPostgresStoreWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close gracefully shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies pending SQL schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return RunMigrations(ctx, s.pool)
}

// InTx runs fn inside a transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetListing retrieves a listing with its current price.
func (s *PostgresStore) GetListing(ctx context.Context, itemID string) (*domain.Listing, error) {
	l, err := scanPgListing(s.pool.QueryRow(ctx, queryGetListing, itemID))
	if err != nil {
		return nil, notFound(err, "getting listing")
	}
	return l, nil
}

// ListListings queries listings with optional filters, returning results and total count.
func (s *PostgresStore) ListListings(
	ctx context.Context,
	q *ListingQuery,
) ([]domain.Listing, int, error) {
	dataSQL, countSQL, args := q.ToSQL(DialectPostgres)

	var total int
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting listings: %w", err)
	}

	listings, err := s.queryListings(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	return listings, total, nil
}

// ExportListings returns up to ExportLimit listings matching q.
func (s *PostgresStore) ExportListings(ctx context.Context, q *ListingQuery) ([]domain.Listing, error) {
	dataSQL, args := q.ToExportSQL(DialectPostgres)
	return s.queryListings(ctx, dataSQL, args...)
}

// ListNewInRun returns the listings first seen in runID.
func (s *PostgresStore) ListNewInRun(ctx context.Context, runID int64) ([]domain.Listing, error) {
	return s.queryListings(ctx, queryListNewInRun, runID)
}

func (s *PostgresStore) queryListings(ctx context.Context, query string, args ...any) ([]domain.Listing, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying listings: %w", err)
	}
	defer rows.Close()

	var listings []domain.Listing
	for rows.Next() {
		l, err := scanPgListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning listing: %w", err)
		}
		listings = append(listings, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating listings: %w", err)
	}
	return listings, nil
}

// ListPriceHistory returns ledger entries for itemID, or for every item
// when itemID is empty, oldest first.
func (s *PostgresStore) ListPriceHistory(ctx context.Context, itemID string) ([]domain.PriceHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, queryListPriceHistory, itemID)
	if err != nil {
		return nil, fmt.Errorf("querying price history: %w", err)
	}
	defer rows.Close()

	var entries []domain.PriceHistoryEntry
	for rows.Next() {
		var e domain.PriceHistoryEntry
		if err := rows.Scan(&e.ItemID, &e.Price.Amount, &e.Price.Currency, &e.ObservedAt, &e.RunID); err != nil {
			return nil, fmt.Errorf("scanning price history: %w", err)
		}
		e.ObservedAt = e.ObservedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListPriceChangesInRun returns the ledger transitions appended by runID.
func (s *PostgresStore) ListPriceChangesInRun(ctx context.Context, runID int64) ([]domain.PriceChange, error) {
	rows, err := s.pool.Query(ctx, queryListPriceChangesInRun, runID)
	if err != nil {
		return nil, fmt.Errorf("querying price changes: %w", err)
	}
	defer rows.Close()

	var changes []domain.PriceChange
	for rows.Next() {
		var c domain.PriceChange
		if err := rows.Scan(
			&c.ItemID, &c.Old.Amount, &c.Old.Currency,
			&c.New.Amount, &c.New.Currency, &c.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning price change: %w", err)
		}
		c.ObservedAt = c.ObservedAt.UTC()
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// GetRun retrieves a run by id.
func (s *PostgresStore) GetRun(ctx context.Context, id int64) (*domain.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, queryGetRun, id))
	if err != nil {
		return nil, notFound(err, "getting run")
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx, queryListRuns, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	return collectPgRuns(rows)
}

// RecordRunFailure records a skipped identifier. It reports false when
// the identifier already has a failure recorded for the run.
func (s *PostgresStore) RecordRunFailure(
	ctx context.Context,
	runID int64,
	itemID, stage, errText string,
) (bool, error) {
	tag, err := s.pool.Exec(ctx, queryRecordRunFailure, runID, itemID, stage, errText, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("recording run failure: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetStats aggregates the dataset overview.
func (s *PostgresStore) GetStats(ctx context.Context, activeSince time.Time) (*domain.Stats, error) {
	st := &domain.Stats{
		Prices:  map[string]domain.PriceSummary{},
		ByBrand: map[string]int{},
		ByYear:  map[string]int{},
	}

	if err := s.pool.QueryRow(ctx, queryListingActivity, activeSince).
		Scan(&st.TotalListings, &st.ActiveListings); err != nil {
		return nil, fmt.Errorf("counting listings: %w", err)
	}

	rows, err := s.pool.Query(ctx, statsPriceSQL(DialectPostgres))
	if err != nil {
		return nil, fmt.Errorf("querying price stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cur string
			ps  domain.PriceSummary
		)
		if err := rows.Scan(&cur, &ps.Count, &ps.Min, &ps.Max, &ps.Avg); err != nil {
			return nil, fmt.Errorf("scanning price stats: %w", err)
		}
		st.Prices[cur] = ps
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating price stats: %w", err)
	}

	if err := s.topCounts(ctx, statsTopSQL(DialectPostgres, "vehicle", "brand"), st.ByBrand); err != nil {
		return nil, err
	}
	if err := s.topCounts(ctx, statsTopSQL(DialectPostgres, "vehicle", "year"), st.ByYear); err != nil {
		return nil, err
	}

	if err := s.pool.QueryRow(ctx, queryCountRuns).Scan(&st.Runs); err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}
	if st.Runs > 0 {
		last, err := scanPgRun(s.pool.QueryRow(ctx, queryLastRun))
		if err != nil {
			return nil, fmt.Errorf("getting last run: %w", err)
		}
		st.LastRun = last
	}

	return st, nil
}

func (s *PostgresStore) topCounts(ctx context.Context, query string, dst map[string]int) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("querying attribute counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("scanning attribute counts: %w", err)
		}
		dst[k] = n
	}
	return rows.Err()
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockRuns(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, queryLockRuns, runsAdvisoryLockKey); err != nil {
		return fmt.Errorf("locking runs: %w", err)
	}
	return nil
}

func (t *pgTx) RunningRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := t.tx.Query(ctx, queryRunningRuns)
	if err != nil {
		return nil, fmt.Errorf("querying running runs: %w", err)
	}
	return collectPgRuns(rows)
}

func (t *pgTx) InsertRun(ctx context.Context, startedAt time.Time) (*domain.Run, error) {
	r := &domain.Run{StartedAt: startedAt, Status: domain.RunRunning}
	if err := t.tx.QueryRow(ctx, queryInsertRun, startedAt).Scan(&r.ID); err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}
	return r, nil
}

func (t *pgTx) GetRun(ctx context.Context, id int64) (*domain.Run, error) {
	r, err := scanPgRun(t.tx.QueryRow(ctx, queryGetRun+" FOR UPDATE", id))
	if err != nil {
		return nil, notFound(err, "getting run")
	}
	return r, nil
}

func (t *pgTx) UpdateRun(ctx context.Context, r *domain.Run) error {
	tag, err := t.tx.Exec(ctx, queryUpdateRun, pgx.NamedArgs{
		"id":               r.ID,
		"ended_at":         r.EndedAt,
		"status":           string(r.Status),
		"seen":             r.Counters.Seen,
		"created":          r.Counters.Created,
		"price_changed":    r.Counters.PriceChanged,
		"metadata_changed": r.Counters.MetadataChanged,
		"unchanged":        r.Counters.Unchanged,
		"failed":           r.Counters.Failed,
		"normalize_failed": r.Counters.NormalizeFailed,
		"trusted":          r.Trusted,
		"discarded":        r.Discarded,
		"stop_reason":      r.StopReason,
	})
	if err != nil {
		return fmt.Errorf("updating run %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating run %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) RunCounters(ctx context.Context, runID int64) (domain.RunCounters, error) {
	outcomes, err := pgCountBy(ctx, t.tx, queryRunOutcomes, runID)
	if err != nil {
		return domain.RunCounters{}, fmt.Errorf("counting run outcomes: %w", err)
	}
	failures, err := pgCountBy(ctx, t.tx, queryRunFailures, runID)
	if err != nil {
		return domain.RunCounters{}, fmt.Errorf("counting run failures: %w", err)
	}
	return countersFrom(outcomes, failures), nil
}

func (t *pgTx) GetListingForUpdate(ctx context.Context, itemID string) (*domain.Listing, error) {
	var (
		l      domain.Listing
		attrs  []byte
		detail int
	)
	err := t.tx.QueryRow(ctx, queryListingRowForUpdate, itemID).Scan(
		&l.ItemID, &attrs, &l.Fingerprint, &detail,
		&l.FirstSeenRun, &l.LastSeenRun, &l.FirstSeenAt, &l.LastUpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "locking listing")
	}
	if err := decodeListing(&l, attrs, detail); err != nil {
		return nil, err
	}
	l.FirstSeenAt = l.FirstSeenAt.UTC()
	l.LastUpdatedAt = l.LastUpdatedAt.UTC()

	err = t.tx.QueryRow(ctx, queryPriceHead, itemID).Scan(
		&l.Price.Amount, &l.Price.Currency, &l.PriceSince,
	)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reading price head: %w", err)
	}
	l.PriceSince = l.PriceSince.UTC()

	return &l, nil
}

func (t *pgTx) InsertListing(ctx context.Context, l *domain.Listing) error {
	args, err := listingArgs(l)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, queryInsertListing, pgx.NamedArgs(args)); err != nil {
		return fmt.Errorf("inserting listing %s: %w", l.ItemID, err)
	}
	return nil
}

func (t *pgTx) UpdateListing(ctx context.Context, l *domain.Listing) error {
	args, err := listingArgs(l)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, queryUpdateListing, pgx.NamedArgs(args))
	if err != nil {
		return fmt.Errorf("updating listing %s: %w", l.ItemID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating listing %s: %w", l.ItemID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendPrice(ctx context.Context, e *domain.PriceHistoryEntry) error {
	if _, err := t.tx.Exec(ctx, queryAppendPrice,
		e.ItemID, e.ObservedAt, e.RunID, e.Price.Amount, e.Price.Currency,
	); err != nil {
		return fmt.Errorf("appending price for %s: %w", e.ItemID, err)
	}
	return nil
}

func (t *pgTx) RecordRunItem(ctx context.Context, runID int64, itemID string, o domain.Outcome) (bool, error) {
	tag, err := t.tx.Exec(ctx, queryRecordRunItem, runID, itemID, string(o))
	if err != nil {
		return false, fmt.Errorf("recording run item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// scannable abstracts pgx.Row and pgx.Rows for reuse.
type scannable interface {
	Scan(dest ...any) error
}

// scanPgListing scans a listing joined with its current price.
func scanPgListing(row scannable) (*domain.Listing, error) {
	var (
		l      domain.Listing
		attrs  []byte
		detail int
		since  *time.Time
	)
	if err := row.Scan(
		&l.ItemID, &attrs, &l.Fingerprint, &detail,
		&l.FirstSeenRun, &l.LastSeenRun, &l.FirstSeenAt, &l.LastUpdatedAt,
		&l.Price.Amount, &l.Price.Currency, &since,
	); err != nil {
		return nil, err
	}
	if err := decodeListing(&l, attrs, detail); err != nil {
		return nil, err
	}
	l.FirstSeenAt = l.FirstSeenAt.UTC()
	l.LastUpdatedAt = l.LastUpdatedAt.UTC()
	if since != nil {
		l.PriceSince = since.UTC()
	}
	return &l, nil
}

func scanPgRun(row scannable) (*domain.Run, error) {
	var r domain.Run
	var status string
	if err := row.Scan(
		&r.ID, &r.StartedAt, &r.EndedAt, &status,
		&r.Counters.Seen, &r.Counters.Created, &r.Counters.PriceChanged,
		&r.Counters.MetadataChanged, &r.Counters.Unchanged,
		&r.Counters.Failed, &r.Counters.NormalizeFailed,
		&r.Trusted, &r.Discarded, &r.StopReason,
	); err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	r.StartedAt = r.StartedAt.UTC()
	if r.EndedAt != nil {
		ended := r.EndedAt.UTC()
		r.EndedAt = &ended
	}
	return &r, nil
}

func collectPgRuns(rows pgx.Rows) ([]domain.Run, error) {
	defer rows.Close()
	var runs []domain.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func pgCountBy(ctx context.Context, tx pgx.Tx, query string, args ...any) (map[string]int, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

// decodeListing fills the JSON and ordinal columns of l.
func decodeListing(l *domain.Listing, attrs []byte, detail int) error {
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &l.Attributes); err != nil {
			return fmt.Errorf("decoding attributes of %s: %w", l.ItemID, err)
		}
	}
	l.Detail = domain.DetailLevel(detail)
	return nil
}

// listingArgs renders the named arguments of the listing write queries.
func listingArgs(l *domain.Listing) (map[string]any, error) {
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encoding attributes of %s: %w", l.ItemID, err)
	}
	return map[string]any{
		"item_id":             l.ItemID,
		"attributes":          string(attrs),
		"content_fingerprint": l.Fingerprint,
		"detail_completeness": int(l.Detail),
		"first_seen_run":      l.FirstSeenRun,
		"last_seen_run":       l.LastSeenRun,
		"first_seen_at":       l.FirstSeenAt,
		"last_updated_at":     l.LastUpdatedAt,
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}

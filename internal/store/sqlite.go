package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// SQLiteStore implements Store using modernc.org/sqlite.
//
// The database is opened with a single connection: SQLite allows one
// writer, and keeping every transaction on one connection turns writer
// contention into queueing instead of SQLITE_BUSY. Per-listing row locks
// are therefore implicit.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database at path and configures WAL mode.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies pending SQL schema migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return runSQLiteMigrations(ctx, s.db)
}

// InTx runs fn inside a transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetListing retrieves a listing with its current price.
func (s *SQLiteStore) GetListing(ctx context.Context, itemID string) (*domain.Listing, error) {
	l, err := scanSQLiteListing(s.db.QueryRowContext(ctx, queryGetListing, itemID))
	if err != nil {
		return nil, notFound(err, "getting listing")
	}
	return l, nil
}

// ListListings queries listings with optional filters, returning results and total count.
func (s *SQLiteStore) ListListings(ctx context.Context, q *ListingQuery) ([]domain.Listing, int, error) {
	dataSQL, countSQL, args := q.ToSQL(DialectSQLite)

	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting listings: %w", err)
	}

	listings, err := s.queryListings(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	return listings, total, nil
}

// ExportListings returns up to ExportLimit listings matching q.
func (s *SQLiteStore) ExportListings(ctx context.Context, q *ListingQuery) ([]domain.Listing, error) {
	dataSQL, args := q.ToExportSQL(DialectSQLite)
	return s.queryListings(ctx, dataSQL, args...)
}

// ListNewInRun returns the listings first seen in runID.
func (s *SQLiteStore) ListNewInRun(ctx context.Context, runID int64) ([]domain.Listing, error) {
	return s.queryListings(ctx, queryListNewInRun, runID)
}

func (s *SQLiteStore) queryListings(ctx context.Context, query string, args ...any) ([]domain.Listing, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying listings: %w", err)
	}
	defer rows.Close()

	var listings []domain.Listing
	for rows.Next() {
		l, err := scanSQLiteListing(rows)
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
func (s *SQLiteStore) ListPriceHistory(ctx context.Context, itemID string) ([]domain.PriceHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, queryListPriceHistory, itemID)
	if err != nil {
		return nil, fmt.Errorf("querying price history: %w", err)
	}
	defer rows.Close()

	var entries []domain.PriceHistoryEntry
	for rows.Next() {
		var (
			e  domain.PriceHistoryEntry
			at int64
		)
		if err := rows.Scan(&e.ItemID, &e.Price.Amount, &e.Price.Currency, &at, &e.RunID); err != nil {
			return nil, fmt.Errorf("scanning price history: %w", err)
		}
		e.ObservedAt = fromNanos(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListPriceChangesInRun returns the ledger transitions appended by runID.
func (s *SQLiteStore) ListPriceChangesInRun(ctx context.Context, runID int64) ([]domain.PriceChange, error) {
	rows, err := s.db.QueryContext(ctx, queryListPriceChangesInRun, runID)
	if err != nil {
		return nil, fmt.Errorf("querying price changes: %w", err)
	}
	defer rows.Close()

	var changes []domain.PriceChange
	for rows.Next() {
		var (
			c  domain.PriceChange
			at int64
		)
		if err := rows.Scan(
			&c.ItemID, &c.Old.Amount, &c.Old.Currency,
			&c.New.Amount, &c.New.Currency, &at,
		); err != nil {
			return nil, fmt.Errorf("scanning price change: %w", err)
		}
		c.ObservedAt = fromNanos(at)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// GetRun retrieves a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*domain.Run, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, queryGetRun, id))
	if err != nil {
		return nil, notFound(err, "getting run")
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, queryListRuns, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	return collectSQLiteRuns(rows)
}

// RecordRunFailure records a skipped identifier. It reports false when
// the identifier already has a failure recorded for the run.
func (s *SQLiteStore) RecordRunFailure(
	ctx context.Context,
	runID int64,
	itemID, stage, errText string,
) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryRecordRunFailure,
		runID, itemID, stage, errText, toNanos(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("recording run failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording run failure: %w", err)
	}
	return n == 1, nil
}

// GetStats aggregates the dataset overview.
func (s *SQLiteStore) GetStats(ctx context.Context, activeSince time.Time) (*domain.Stats, error) {
	st := &domain.Stats{
		Prices:  map[string]domain.PriceSummary{},
		ByBrand: map[string]int{},
		ByYear:  map[string]int{},
	}

	if err := s.db.QueryRowContext(ctx, queryListingActivity, toNanos(activeSince)).
		Scan(&st.TotalListings, &st.ActiveListings); err != nil {
		return nil, fmt.Errorf("counting listings: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, statsPriceSQL(DialectSQLite))
	if err != nil {
		return nil, fmt.Errorf("querying price stats: %w", err)
	}
	for rows.Next() {
		var (
			cur string
			ps  domain.PriceSummary
		)
		if err := rows.Scan(&cur, &ps.Count, &ps.Min, &ps.Max, &ps.Avg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning price stats: %w", err)
		}
		st.Prices[cur] = ps
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating price stats: %w", err)
	}

	if err := s.topCounts(ctx, statsTopSQL(DialectSQLite, "vehicle", "brand"), st.ByBrand); err != nil {
		return nil, err
	}
	if err := s.topCounts(ctx, statsTopSQL(DialectSQLite, "vehicle", "year"), st.ByYear); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, queryCountRuns).Scan(&st.Runs); err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}
	if st.Runs > 0 {
		last, err := scanSQLiteRun(s.db.QueryRowContext(ctx, queryLastRun))
		if err != nil {
			return nil, fmt.Errorf("getting last run: %w", err)
		}
		st.LastRun = last
	}

	return st, nil
}

func (s *SQLiteStore) topCounts(ctx context.Context, query string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
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

// sqliteTx implements Tx on a database/sql transaction.
type sqliteTx struct {
	tx *sql.Tx
}

// LockRuns is a no-op: the single connection already serializes
// transactions.
func (t *sqliteTx) LockRuns(context.Context) error {
	return nil
}

func (t *sqliteTx) RunningRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := t.tx.QueryContext(ctx, queryRunningRuns)
	if err != nil {
		return nil, fmt.Errorf("querying running runs: %w", err)
	}
	return collectSQLiteRuns(rows)
}

func (t *sqliteTx) InsertRun(ctx context.Context, startedAt time.Time) (*domain.Run, error) {
	r := &domain.Run{StartedAt: startedAt.UTC(), Status: domain.RunRunning}
	if err := t.tx.QueryRowContext(ctx, queryInsertRun, toNanos(startedAt)).Scan(&r.ID); err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}
	return r, nil
}

func (t *sqliteTx) GetRun(ctx context.Context, id int64) (*domain.Run, error) {
	r, err := scanSQLiteRun(t.tx.QueryRowContext(ctx, queryGetRun, id))
	if err != nil {
		return nil, notFound(err, "getting run")
	}
	return r, nil
}

func (t *sqliteTx) UpdateRun(ctx context.Context, r *domain.Run) error {
	var ended sql.NullInt64
	if r.EndedAt != nil {
		ended = sql.NullInt64{Int64: toNanos(*r.EndedAt), Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, queryUpdateRun,
		sql.Named("id", r.ID),
		sql.Named("ended_at", ended),
		sql.Named("status", string(r.Status)),
		sql.Named("seen", r.Counters.Seen),
		sql.Named("created", r.Counters.Created),
		sql.Named("price_changed", r.Counters.PriceChanged),
		sql.Named("metadata_changed", r.Counters.MetadataChanged),
		sql.Named("unchanged", r.Counters.Unchanged),
		sql.Named("failed", r.Counters.Failed),
		sql.Named("normalize_failed", r.Counters.NormalizeFailed),
		sql.Named("trusted", r.Trusted),
		sql.Named("discarded", r.Discarded),
		sql.Named("stop_reason", r.StopReason),
	)
	if err != nil {
		return fmt.Errorf("updating run %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating run %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) RunCounters(ctx context.Context, runID int64) (domain.RunCounters, error) {
	outcomes, err := t.countBy(ctx, queryRunOutcomes, runID)
	if err != nil {
		return domain.RunCounters{}, fmt.Errorf("counting run outcomes: %w", err)
	}
	failures, err := t.countBy(ctx, queryRunFailures, runID)
	if err != nil {
		return domain.RunCounters{}, fmt.Errorf("counting run failures: %w", err)
	}
	return countersFrom(outcomes, failures), nil
}

func (t *sqliteTx) countBy(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
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

func (t *sqliteTx) GetListingForUpdate(ctx context.Context, itemID string) (*domain.Listing, error) {
	var (
		l                  domain.Listing
		attrs              []byte
		detail             int
		firstSeen, lastUpd int64
	)
	err := t.tx.QueryRowContext(ctx, queryListingRow, itemID).Scan(
		&l.ItemID, &attrs, &l.Fingerprint, &detail,
		&l.FirstSeenRun, &l.LastSeenRun, &firstSeen, &lastUpd,
	)
	if err != nil {
		return nil, notFound(err, "locking listing")
	}
	if err := decodeListing(&l, attrs, detail); err != nil {
		return nil, err
	}
	l.FirstSeenAt = fromNanos(firstSeen)
	l.LastUpdatedAt = fromNanos(lastUpd)

	var since int64
	err = t.tx.QueryRowContext(ctx, queryPriceHead, itemID).Scan(
		&l.Price.Amount, &l.Price.Currency, &since,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("reading price head: %w", err)
	default:
		l.PriceSince = fromNanos(since)
	}

	return &l, nil
}

func (t *sqliteTx) InsertListing(ctx context.Context, l *domain.Listing) error {
	args, err := sqliteListingArgs(l)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, queryInsertListing, args...); err != nil {
		return fmt.Errorf("inserting listing %s: %w", l.ItemID, err)
	}
	return nil
}

func (t *sqliteTx) UpdateListing(ctx context.Context, l *domain.Listing) error {
	args, err := sqliteListingArgs(l)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, queryUpdateListing, args...)
	if err != nil {
		return fmt.Errorf("updating listing %s: %w", l.ItemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating listing %s: %w", l.ItemID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) AppendPrice(ctx context.Context, e *domain.PriceHistoryEntry) error {
	if _, err := t.tx.ExecContext(ctx, queryAppendPrice,
		e.ItemID, toNanos(e.ObservedAt), e.RunID, e.Price.Amount, e.Price.Currency,
	); err != nil {
		return fmt.Errorf("appending price for %s: %w", e.ItemID, err)
	}
	return nil
}

func (t *sqliteTx) RecordRunItem(ctx context.Context, runID int64, itemID string, o domain.Outcome) (bool, error) {
	res, err := t.tx.ExecContext(ctx, queryRecordRunItem, runID, itemID, string(o))
	if err != nil {
		return false, fmt.Errorf("recording run item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording run item: %w", err)
	}
	return n == 1, nil
}

func scanSQLiteListing(row scannable) (*domain.Listing, error) {
	var (
		l                  domain.Listing
		attrs              []byte
		detail             int
		firstSeen, lastUpd int64
		since              sql.NullInt64
	)
	if err := row.Scan(
		&l.ItemID, &attrs, &l.Fingerprint, &detail,
		&l.FirstSeenRun, &l.LastSeenRun, &firstSeen, &lastUpd,
		&l.Price.Amount, &l.Price.Currency, &since,
	); err != nil {
		return nil, err
	}
	if err := decodeListing(&l, attrs, detail); err != nil {
		return nil, err
	}
	l.FirstSeenAt = fromNanos(firstSeen)
	l.LastUpdatedAt = fromNanos(lastUpd)
	if since.Valid {
		l.PriceSince = fromNanos(since.Int64)
	}
	return &l, nil
}

func scanSQLiteRun(row scannable) (*domain.Run, error) {
	var (
		r       domain.Run
		status  string
		started int64
		ended   sql.NullInt64
	)
	if err := row.Scan(
		&r.ID, &started, &ended, &status,
		&r.Counters.Seen, &r.Counters.Created, &r.Counters.PriceChanged,
		&r.Counters.MetadataChanged, &r.Counters.Unchanged,
		&r.Counters.Failed, &r.Counters.NormalizeFailed,
		&r.Trusted, &r.Discarded, &r.StopReason,
	); err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	r.StartedAt = fromNanos(started)
	if ended.Valid {
		t := fromNanos(ended.Int64)
		r.EndedAt = &t
	}
	return &r, nil
}

func collectSQLiteRuns(rows *sql.Rows) ([]domain.Run, error) {
	defer rows.Close()
	var runs []domain.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func sqliteListingArgs(l *domain.Listing) ([]any, error) {
	named, err := listingArgs(l)
	if err != nil {
		return nil, err
	}
	named["first_seen_at"] = toNanos(l.FirstSeenAt)
	named["last_updated_at"] = toNanos(l.LastUpdatedAt)

	args := make([]any, 0, len(named))
	for k, v := range named {
		args = append(args, sql.Named(k, v))
	}
	return args, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

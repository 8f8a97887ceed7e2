package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresStoreWithPool(mock), mock
}

var listingCols = []string{
	"item_id", "attributes", "content_fingerprint", "detail_completeness",
	"first_seen_run", "last_seen_run", "first_seen_at", "last_updated_at",
	"amount", "currency", "observed_at",
}

var runCols = []string{
	"id", "started_at", "ended_at", "status",
	"seen", "created", "price_changed", "metadata_changed", "unchanged", "failed", "normalize_failed",
	"trusted", "discarded", "stop_reason",
}

func TestPostgresStore_GetListing(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM listings l\s+LEFT JOIN current_prices p ON p.item_id = l.item_id WHERE l.item_id = \$1`).
		WithArgs("A").
		WillReturnRows(pgxmock.NewRows(listingCols).AddRow(
			"A", []byte(`{"kind":"vehicle","title":"Civic","vehicle":{"brand":"Honda"}}`), "fp", 1,
			int64(3), int64(5), at, at.Add(time.Hour),
			"15", "THB", &at,
		))

	l, err := s.GetListing(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "Civic", l.Attributes.Title)
	assert.Equal(t, "Honda", l.Attributes.Vehicle.Brand)
	assert.Equal(t, domain.DetailFull, l.Detail)
	assert.Equal(t, int64(3), l.FirstSeenRun)
	assert.Equal(t, domain.Money{Amount: "15", Currency: "THB"}, l.Price)
	assert.Equal(t, at, l.PriceSince)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetListing_NotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE l.item_id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetListing(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "getting listing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fnErr   error
		wantErr bool
	}{
		{name: "commit on success"},
		{name: "rollback on error", fnErr: errors.New("boom"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, mock := newMockPostgresStore(t)
			mock.ExpectBegin()
			mock.ExpectExec(`INSERT INTO run_items`).
				WithArgs(int64(7), "A", "new").
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
			if tt.wantErr {
				mock.ExpectRollback()
			} else {
				mock.ExpectCommit()
			}

			err := s.InTx(context.Background(), func(tx Tx) error {
				counted, err := tx.RecordRunItem(context.Background(), 7, "A", domain.OutcomeNew)
				require.NoError(t, err)
				assert.True(t, counted)
				return tt.fnErr
			})
			if tt.wantErr {
				require.ErrorIs(t, err, tt.fnErr)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_BeginRunSequence(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(runsAdvisoryLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM runs WHERE status = 'running'`).
		WillReturnRows(pgxmock.NewRows(runCols))
	mock.ExpectQuery(`INSERT INTO runs \(started_at, status\) VALUES \(\$1, 'running'\) RETURNING id`).
		WithArgs(at).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectCommit()

	var run *domain.Run
	err := s.InTx(context.Background(), func(tx Tx) error {
		if err := tx.LockRuns(context.Background()); err != nil {
			return err
		}
		running, err := tx.RunningRuns(context.Background())
		if err != nil {
			return err
		}
		assert.Empty(t, running)
		run, err = tx.InsertRun(context.Background(), at)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), run.ID)
	assert.Equal(t, domain.RunRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetListingForUpdate(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	lockCols := listingCols[:8]

	tests := []struct {
		name      string
		setup     func(mock pgxmock.PgxPoolIface)
		wantErr   error
		wantPrice domain.Money
	}{
		{
			name: "listing with ledger head",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`FROM listings\s+WHERE item_id = \$1 FOR UPDATE`).
					WithArgs("A").
					WillReturnRows(pgxmock.NewRows(lockCols).AddRow(
						"A", []byte(`{"kind":"general"}`), "fp", 0, int64(1), int64(1), at, at,
					))
				mock.ExpectQuery(`FROM price_history\s+WHERE item_id = \$1\s+ORDER BY observed_at DESC\s+LIMIT 1`).
					WithArgs("A").
					WillReturnRows(pgxmock.NewRows([]string{"amount", "currency", "observed_at"}).
						AddRow("10", "USD", at))
			},
			wantPrice: domain.Money{Amount: "10", Currency: "USD"},
		},
		{
			name: "missing listing",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`FOR UPDATE`).
					WithArgs("A").
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, mock := newMockPostgresStore(t)
			mock.ExpectBegin()
			tt.setup(mock)
			if tt.wantErr != nil {
				mock.ExpectRollback()
			} else {
				mock.ExpectCommit()
			}

			var got *domain.Listing
			err := s.InTx(context.Background(), func(tx Tx) error {
				var err error
				got, err = tx.GetListingForUpdate(context.Background(), "A")
				return err
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantPrice, got.Price)
				assert.Equal(t, at, got.PriceSince)
				assert.Equal(t, domain.KindGeneral, got.Attributes.Kind)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_UpdateRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgresStore(t)
	ended := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	run := &domain.Run{
		ID:       4,
		Status:   domain.RunCompleted,
		EndedAt:  &ended,
		Counters: domain.RunCounters{Seen: 3, Created: 2, Unchanged: 1},
		Trusted:  true,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE runs SET`).
		WithArgs(pgx.NamedArgs{
			"id":               int64(4),
			"ended_at":         pgxmock.AnyArg(),
			"status":           "completed",
			"seen":             3,
			"created":          2,
			"price_changed":    0,
			"metadata_changed": 0,
			"unchanged":        1,
			"failed":           0,
			"normalize_failed": 0,
			"trusted":          true,
			"discarded":        false,
			"stop_reason":      "",
		}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.UpdateRun(context.Background(), run)
	})
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunCounters(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT outcome, COUNT\(\*\) FROM run_items WHERE run_id = \$1 GROUP BY outcome`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"outcome", "count"}).
			AddRow("new", 4).
			AddRow("price_changed", 1).
			AddRow("unchanged", 6))
	mock.ExpectQuery(`FROM run_failures f`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"stage", "count"}).
			AddRow("commit", 2).
			AddRow("normalize", 1))
	mock.ExpectCommit()

	var c domain.RunCounters
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		var err error
		c, err = tx.RunCounters(context.Background(), 2)
		return err
	}))

	assert.Equal(t, domain.RunCounters{
		Seen: 14, Created: 4, PriceChanged: 1, Unchanged: 6, Failed: 2, NormalizeFailed: 1,
	}, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPriceChangesInRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE run_id = $1 AND prev_amount IS NOT NULL`)).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{
			"item_id", "prev_amount", "prev_currency", "amount", "currency", "observed_at",
		}).AddRow("A", "10", "USD", "15", "USD", at))

	changes, err := s.ListPriceChangesInRun(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, domain.PriceChange{
		ItemID:     "A",
		Old:        domain.Money{Amount: "10", Currency: "USD"},
		New:        domain.Money{Amount: "15", Currency: "USD"},
		ObservedAt: at,
	}, changes[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordRunFailure(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO run_failures`).
		WithArgs(int64(3), "B", domain.StageCommit, "timeout", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	counted, err := s.RecordRunFailure(context.Background(), 3, "B", domain.StageCommit, "timeout")
	require.NoError(t, err)
	assert.False(t, counted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_SkipsApplied(t *testing.T) {
	t.Parallel()

	_, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("001_initial.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, RunMigrations(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_AppliesPending(t *testing.T) {
	t.Parallel()

	_, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("001_initial.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).
		WithArgs("001_initial.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, RunMigrations(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountersFrom(t *testing.T) {
	t.Parallel()

	c := countersFrom(
		map[string]int{"new": 1, "metadata_changed": 2},
		map[string]int{"commit": 3},
	)
	assert.Equal(t, domain.RunCounters{Seen: 6, Created: 1, MetadataChanged: 2, Failed: 3}, c)
}

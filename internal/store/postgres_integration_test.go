//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/donaldgifford/market-ledger/internal/store"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

func setupPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ml_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := store.NewPostgresStore(ctx, connStr, 4)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
	})

	require.NoError(t, s.Migrate(ctx))

	return s
}

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func beginPgRun(t *testing.T, s store.Store, at time.Time) int64 {
	t.Helper()
	var id int64
	require.NoError(t, s.InTx(context.Background(), func(tx store.Tx) error {
		r, err := tx.InsertRun(context.Background(), at)
		if err != nil {
			return err
		}
		id = r.ID
		return nil
	}))
	return id
}

func newPgListing(id string, runID int64, at time.Time) *domain.Listing {
	year := 2019
	return &domain.Listing{
		ItemID: id,
		Attributes: domain.Attributes{
			Kind:     domain.KindVehicle,
			Title:    "Toyota Vios " + id,
			Category: "vehicles",
			Vehicle:  &domain.VehicleAttributes{Brand: "Toyota", Year: &year},
		},
		Fingerprint:   "fp-" + id,
		Detail:        domain.DetailSummary,
		FirstSeenRun:  runID,
		LastSeenRun:   runID,
		FirstSeenAt:   at,
		LastUpdatedAt: at,
	}
}

func TestPostgresStore_Ping(t *testing.T) {
	s := setupPostgres(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestPostgresStore_MigrateIsIdempotent(t *testing.T) {
	s := setupPostgres(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestPostgresStore_ListingAndLedger(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	run1 := beginPgRun(t, s, base)
	l := newPgListing("A", run1, base)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertListing(ctx, l); err != nil {
			return err
		}
		return tx.AppendPrice(ctx, &domain.PriceHistoryEntry{
			ItemID: "A", Price: domain.Money{Amount: "350000", Currency: "THB"},
			ObservedAt: base, RunID: run1,
		})
	}))

	run2 := beginPgRun(t, s, base.Add(24*time.Hour))
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetListingForUpdate(ctx, "A")
		if err != nil {
			return err
		}
		assert.Equal(t, "350000", locked.Price.Amount)
		assert.Equal(t, base, locked.PriceSince)

		locked.LastSeenRun = run2
		locked.LastUpdatedAt = base.Add(24 * time.Hour)
		if err := tx.UpdateListing(ctx, locked); err != nil {
			return err
		}
		return tx.AppendPrice(ctx, &domain.PriceHistoryEntry{
			ItemID: "A", Price: domain.Money{Amount: "340000", Currency: "THB"},
			ObservedAt: base.Add(24 * time.Hour), RunID: run2,
		})
	}))

	got, err := s.GetListing(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "340000", got.Price.Amount)
	assert.Equal(t, run1, got.FirstSeenRun)
	assert.Equal(t, run2, got.LastSeenRun)
	assert.Equal(t, "Toyota", got.Attributes.Vehicle.Brand)

	history, err := s.ListPriceHistory(ctx, "A")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "350000", history[0].Price.Amount)

	changes, err := s.ListPriceChangesInRun(ctx, run2)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "350000", changes[0].Old.Amount)
	assert.Equal(t, "340000", changes[0].New.Amount)

	fresh, err := s.ListNewInRun(ctx, run1)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	fresh, err = s.ListNewInRun(ctx, run2)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestPostgresStore_LedgerRejectsRewrites(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	run := beginPgRun(t, s, base)
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertListing(ctx, newPgListing("A", run, base)); err != nil {
			return err
		}
		return tx.AppendPrice(ctx, &domain.PriceHistoryEntry{
			ItemID: "A", Price: domain.Money{Amount: "1", Currency: "THB"},
			ObservedAt: base, RunID: run,
		})
	}))

	// A duplicate ledger key is refused rather than overwritten.
	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.AppendPrice(ctx, &domain.PriceHistoryEntry{
			ItemID: "A", Price: domain.Money{Amount: "2", Currency: "THB"},
			ObservedAt: base, RunID: run,
		})
	})
	require.Error(t, err)

	got, err := s.GetListing(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Price.Amount)
}

func TestPostgresStore_RunLifecycle(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	run := beginPgRun(t, s, base)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for id, o := range map[string]domain.Outcome{
			"A": domain.OutcomeNew,
			"B": domain.OutcomeNew,
			"C": domain.OutcomeUnchanged,
		} {
			if _, err := tx.RecordRunItem(ctx, run, id, o); err != nil {
				return err
			}
		}
		counted, err := tx.RecordRunItem(ctx, run, "A", domain.OutcomePriceChanged)
		assert.False(t, counted)
		return err
	}))

	counted, err := s.RecordRunFailure(ctx, run, "D", domain.StageCommit, "deadlock")
	require.NoError(t, err)
	assert.True(t, counted)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockRuns(ctx); err != nil {
			return err
		}
		running, err := tx.RunningRuns(ctx)
		if err != nil {
			return err
		}
		require.Len(t, running, 1)

		r, err := tx.GetRun(ctx, run)
		if err != nil {
			return err
		}
		r.Counters, err = tx.RunCounters(ctx, run)
		if err != nil {
			return err
		}
		ended := base.Add(time.Hour)
		r.EndedAt = &ended
		r.Status = domain.RunCompleted
		r.Trusted = true
		return tx.UpdateRun(ctx, r)
	}))

	got, err := s.GetRun(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, got.Status)
	assert.Equal(t, domain.RunCounters{Seen: 4, Created: 2, Unchanged: 1, Failed: 1}, got.Counters)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.Selectable())

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	_, err = s.GetRun(ctx, run+100)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPostgresStore_ListListingsAndStats(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	run := beginPgRun(t, s, base)
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for i, id := range []string{"A", "B", "C"} {
			if err := tx.InsertListing(ctx, newPgListing(id, run, base)); err != nil {
				return err
			}
			if err := tx.AppendPrice(ctx, &domain.PriceHistoryEntry{
				ItemID:     id,
				Price:      domain.Money{Amount: []string{"300", "100", "200"}[i], Currency: "THB"},
				ObservedAt: base,
				RunID:      run,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	listings, total, err := s.ListListings(ctx, &store.ListingQuery{
		MinPrice: func() *float64 { v := 150.0; return &v }(),
		OrderBy:  store.OrderByPriceAsc,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, listings, 2)
	assert.Equal(t, "C", listings[0].ItemID)
	assert.Equal(t, "A", listings[1].ItemID)

	st, err := s.GetStats(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalListings)
	assert.Equal(t, 3, st.ActiveListings)
	assert.Equal(t, 3, st.ByBrand["Toyota"])
}

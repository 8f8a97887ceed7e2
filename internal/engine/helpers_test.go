package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/donaldgifford/market-ledger/internal/collect"
	"github.com/donaldgifford/market-ledger/internal/resilience"
	"github.com/donaldgifford/market-ledger/internal/store"
	"github.com/donaldgifford/market-ledger/pkg/normalize"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// quietLogger returns a logger that discards output for tests.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func fastRetry(attempts int) resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
}

func newTestLedger(s store.Store) *RunLedger {
	return NewRunLedger(s, WithLedgerLogger(quietLogger()))
}

func newTestReconciler(s store.Store) *Reconciler {
	return NewReconciler(s,
		WithReconcilerLogger(quietLogger()),
		WithCommitRetry(fastRetry(2)),
	)
}

// raw builds a raw record with a stable attribute bag.
func raw(id, price string, detail domain.DetailLevel, at time.Time) domain.RawCandidate {
	attrs := map[string]string{
		normalize.KeyTitle:    "Honda Civic " + id,
		normalize.KeyCategory: "vehicles",
	}
	if detail == domain.DetailFull {
		attrs[normalize.KeyDescription] = "One owner"
	}
	return domain.RawCandidate{
		ItemID:     id,
		PriceText:  price,
		Attributes: attrs,
		Detail:     detail,
		ObservedAt: at,
	}
}

// candidate normalizes raw(id, price, detail, at).
func candidate(t *testing.T, id, price string, detail domain.DetailLevel, at time.Time) *domain.Candidate {
	t.Helper()
	c, err := normalize.New().Normalize(raw(id, price, detail, at))
	require.NoError(t, err)
	return c
}

// applyRun runs the candidates under a fresh run and completes it.
func applyRun(t *testing.T, l *RunLedger, r *Reconciler, cands ...*domain.Candidate) *domain.Run {
	t.Helper()
	ctx := context.Background()
	run, err := l.BeginRun(ctx)
	require.NoError(t, err)
	for _, c := range cands {
		_, err := r.Apply(ctx, run.ID, c)
		require.NoError(t, err)
	}
	done, err := l.FinalizeRun(ctx, run.ID, domain.RunCompleted, "")
	require.NoError(t, err)
	return done
}

// batchOpener serves each feed as a fixed list of batches followed by
// end of data.
type batchOpener map[string][][]domain.RawCandidate

func (o batchOpener) Open(_ context.Context, feed string) (collect.Source, error) {
	batches := o[feed]
	i := 0
	return collect.SourceFunc(func(context.Context) (collect.Batch, error) {
		if i >= len(batches) {
			return collect.Batch{}, collect.ErrEndOfData
		}
		b := collect.Batch{Records: batches[i]}
		i++
		return b, nil
	}), nil
}

// ticker is a clock that advances one minute per call.
type ticker struct {
	mu  sync.Mutex
	now time.Time
}

func (c *ticker) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newTestEngine(s store.Store, opener collect.Opener, feeds ...string) *Engine {
	clock := &ticker{now: t0}
	return NewEngine(s, opener, feeds,
		WithLogger(quietLogger()),
		WithWorkers(4),
		WithEngineCommitRetry(fastRetry(2)),
		WithNowFunc(clock.Now),
		WithController(collect.NewController(
			collect.WithControllerLogger(quietLogger()),
			collect.WithRetryPolicy(fastRetry(2)),
			collect.WithControllerNowFunc(clock.Now),
		)),
	)
}

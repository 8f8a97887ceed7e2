package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donaldgifford/market-ledger/internal/store"
	"github.com/donaldgifford/market-ledger/pkg/normalize"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

func TestReconciler_PriceLedgerRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	l := newTestLedger(s)
	r := newTestReconciler(s)
	ctx := context.Background()

	for i, price := range []string{"$100", "$100", "$150", "$150", "$90"} {
		applyRun(t, l, r, candidate(t, "A", price, domain.DetailSummary, t0.Add(time.Duration(i)*24*time.Hour)))
	}

	history, err := s.ListPriceHistory(ctx, "A")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "100", history[0].Price.Amount)
	assert.Equal(t, "150", history[1].Price.Amount)
	assert.Equal(t, "90", history[2].Price.Amount)
	assert.True(t, history[0].ObservedAt.Before(history[1].ObservedAt))
	assert.True(t, history[1].ObservedAt.Before(history[2].ObservedAt))

	got, err := s.GetListing(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.Money{Amount: "90", Currency: "USD"}, got.Price)
	assert.Equal(t, history[2].ObservedAt, got.PriceSince)
	assert.Equal(t, int64(1), got.FirstSeenRun)
	assert.Equal(t, int64(5), got.LastSeenRun)
}

func TestReconciler_Outcomes(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	l := newTestLedger(s)
	r := newTestReconciler(s)
	ctx := context.Background()

	run, err := l.BeginRun(ctx)
	require.NoError(t, err)

	steps := []struct {
		name     string
		cand     *domain.Candidate
		want     domain.Outcome
		appended bool
	}{
		{
			name:     "first sighting",
			cand:     candidate(t, "A", "$10", domain.DetailSummary, t0),
			want:     domain.OutcomeNew,
			appended: true,
		},
		{
			name:     "second identifier",
			cand:     candidate(t, "B", "$20", domain.DetailSummary, t0),
			want:     domain.OutcomeNew,
			appended: true,
		},
	}
	for _, st := range steps {
		res, err := r.Apply(ctx, run.ID, st.cand)
		require.NoError(t, err, st.name)
		assert.Equal(t, st.want, res.Outcome, st.name)
		assert.Equal(t, st.appended, res.Appended, st.name)
		assert.True(t, res.Counted, st.name)
	}

	_, err = l.FinalizeRun(ctx, run.ID, domain.RunCompleted, "")
	require.NoError(t, err)

	run2, err := l.BeginRun(ctx)
	require.NoError(t, err)

	res, err := r.Apply(ctx, run2.ID, candidate(t, "A", "$15", domain.DetailSummary, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePriceChanged, res.Outcome)
	assert.True(t, res.Appended)

	res, err = r.Apply(ctx, run2.ID, candidate(t, "B", "$20", domain.DetailSummary, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, res.Outcome)
	assert.False(t, res.Appended)

	facelift := raw("B", "$20", domain.DetailSummary, t0.Add(2*time.Hour))
	facelift.Attributes[normalize.KeyTitle] = "Honda Civic B facelift"
	c, err := normalize.New().Normalize(facelift)
	require.NoError(t, err)
	res, err = r.Apply(ctx, run2.ID, c)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMetadataChanged, res.Outcome)
	assert.False(t, res.Counted, "an identifier counts once per run")

	got, err := s.GetListing(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "Honda Civic B facelift", got.Attributes.Title)
	assert.Equal(t, run.ID, got.FirstSeenRun)
	assert.Equal(t, run2.ID, got.LastSeenRun)

	counters, err := l.Counters(ctx, run2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCounters{Seen: 2, PriceChanged: 1, Unchanged: 1}, counters)
}

func TestReconciler_ReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	l := newTestLedger(s)
	r := newTestReconciler(s)
	ctx := context.Background()

	run, err := l.BeginRun(ctx)
	require.NoError(t, err)

	c := candidate(t, "A", "$10", domain.DetailSummary, t0)
	first, err := r.Apply(ctx, run.ID, c)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNew, first.Outcome)

	before, err := s.GetListing(ctx, "A")
	require.NoError(t, err)

	replay, err := r.Apply(ctx, run.ID, c)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, replay.Outcome)
	assert.False(t, replay.Appended)
	assert.False(t, replay.Counted)

	after, err := s.GetListing(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	history, err := s.ListPriceHistory(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	done, err := l.FinalizeRun(ctx, run.ID, domain.RunCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCounters{Seen: 1, Created: 1}, done.Counters)
}

func TestReconciler_DetailEnrichment(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	l := newTestLedger(s)
	r := newTestReconciler(s)
	ctx := context.Background()

	summary := candidate(t, "A", "$10", domain.DetailSummary, t0)
	applyRun(t, l, r, summary)

	// Same fields, deeper pass.
	detail := candidate(t, "A", "$10", domain.DetailSummary, t0.Add(time.Hour))
	detail.Detail = domain.DetailFull

	run, err := l.BeginRun(ctx)
	require.NoError(t, err)
	res, err := r.Apply(ctx, run.ID, detail)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMetadataChanged, res.Outcome)
	assert.False(t, res.Appended)
	_, err = l.FinalizeRun(ctx, run.ID, domain.RunCompleted, "")
	require.NoError(t, err)

	got, err := s.GetListing(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.DetailFull, got.Detail)

	// A later summary pass never lowers the stored detail.
	run, err = l.BeginRun(ctx)
	require.NoError(t, err)
	res, err = r.Apply(ctx, run.ID, candidate(t, "A", "$10", domain.DetailSummary, t0.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, res.Outcome)

	got, err = s.GetListing(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.DetailFull, got.Detail)
}

func TestReconciler_SummaryKeepsDetailFields(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	l := newTestLedger(s)
	r := newTestReconciler(s)
	ctx := context.Background()

	applyRun(t, l, r, candidate(t, "A", "$10", domain.DetailFull, t0))

	run, err := l.BeginRun(ctx)
	require.NoError(t, err)
	res, err := r.Apply(ctx, run.ID, candidate(t, "A", "$10", domain.DetailSummary, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, res.Outcome)

	got, err := s.GetListing(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "One owner", got.Attributes.Description)
	assert.Equal(t, domain.DetailFull, got.Detail)
}

func TestReconciler_StaleObservationKeepsPrice(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	l := newTestLedger(s)
	r := newTestReconciler(s)
	ctx := context.Background()

	applyRun(t, l, r, candidate(t, "A", "$10", domain.DetailSummary, t0.Add(time.Hour)))

	run, err := l.BeginRun(ctx)
	require.NoError(t, err)
	res, err := r.Apply(ctx, run.ID, candidate(t, "A", "$5", domain.DetailSummary, t0))
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.False(t, res.Appended)
	assert.Equal(t, domain.OutcomeUnchanged, res.Outcome)

	got, err := s.GetListing(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "10", got.Price.Amount)
	assert.Equal(t, run.ID, got.LastSeenRun)
	assert.Equal(t, t0.Add(time.Hour), got.LastUpdatedAt)
}

func TestReconciler_IndependentIdentifiersInParallel(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	l := newTestLedger(s)
	r := newTestReconciler(s)
	ctx := context.Background()

	const n = 20
	var initial []*domain.Candidate
	for i := range n {
		initial = append(initial, candidate(t, fmt.Sprintf("X%02d", i), "$100", domain.DetailSummary, t0))
	}
	applyRun(t, l, r, initial...)

	run, err := l.BeginRun(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range n {
		c := candidate(t, fmt.Sprintf("X%02d", i), "$90", domain.DetailSummary, t0.Add(time.Hour))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Apply(ctx, run.ID, c)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	done, err := l.FinalizeRun(ctx, run.ID, domain.RunCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, n, done.Counters.PriceChanged)

	changes, err := s.ListPriceChangesInRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, changes, n)
	for i := range n {
		history, err := s.ListPriceHistory(ctx, fmt.Sprintf("X%02d", i))
		require.NoError(t, err)
		assert.Len(t, history, 2)
	}
}

func TestReconciler_SameIdentifierLatestObservationWins(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	l := newTestLedger(s)
	r := newTestReconciler(s)
	ctx := context.Background()

	run, err := l.BeginRun(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		c := candidate(t, "A", fmt.Sprintf("$%d", i), domain.DetailSummary, t0.Add(time.Duration(i)*time.Minute))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Apply(ctx, run.ID, c)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetListing(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "10", got.Price.Amount)

	history, err := s.ListPriceHistory(ctx, "A")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i-1].ObservedAt.Before(history[i].ObservedAt))
	}
	assert.Equal(t, "10", history[len(history)-1].Price.Amount)
}

// flakyStore fails the first failures transactions.
type flakyStore struct {
	store.Store

	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return errors.New("connection reset by peer")
	}
	return f.Store.InTx(ctx, fn)
}

func TestReconciler_CommitRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		failures    int
		wantErr     bool
		wantCalls   int
		wantCounter domain.RunCounters
	}{
		{
			name:        "transient failure is retried",
			failures:    1,
			wantCalls:   2,
			wantCounter: domain.RunCounters{Seen: 1, Created: 1},
		},
		{
			name:        "exhausted retries skip the identifier",
			failures:    5,
			wantErr:     true,
			wantCalls:   2,
			wantCounter: domain.RunCounters{Seen: 1, Failed: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newTestStore(t)
			l := newTestLedger(s)
			flaky := &flakyStore{Store: s, failures: tt.failures}
			r := newTestReconciler(flaky)
			ctx := context.Background()

			run, err := l.BeginRun(ctx)
			require.NoError(t, err)

			_, err = r.Apply(ctx, run.ID, candidate(t, "A", "$10", domain.DetailSummary, t0))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrCommitFault)
				var ce *CommitError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, "A", ce.ItemID)
				assert.Equal(t, 2, ce.Attempts)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, flaky.calls)

			done, err := l.FinalizeRun(ctx, run.ID, domain.RunCompleted, "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantCounter, done.Counters)
		})
	}
}

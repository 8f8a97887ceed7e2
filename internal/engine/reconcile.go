package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/donaldgifford/market-ledger/internal/metrics"
	"github.com/donaldgifford/market-ledger/internal/resilience"
	"github.com/donaldgifford/market-ledger/internal/store"
	"github.com/donaldgifford/market-ledger/pkg/normalize"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

const lockStripes = 64

var tracer = otel.Tracer("github.com/donaldgifford/market-ledger/internal/engine")

// Reconciler applies normalized candidates to the store. Each Apply is one
// transaction covering the listing write, the ledger append and the run
// item record.
type Reconciler struct {
	store store.Store
	retry resilience.Policy
	log   *slog.Logger
	locks [lockStripes]sync.Mutex
}

// ReconcilerOption configures the Reconciler.
type ReconcilerOption func(*Reconciler)

// WithCommitRetry sets the retry policy for failed commits.
func WithCommitRetry(p resilience.Policy) ReconcilerOption {
	return func(r *Reconciler) {
		r.retry = p
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.log = l
	}
}

// NewReconciler creates a Reconciler.
func NewReconciler(s store.Store, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store: s,
		retry: resilience.DefaultPolicy(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply reconciles c within runID. The outcome is derived from the stored
// state inside the transaction, so replaying a candidate is safe.
//
// Writes for the same identifier are serialized. Once started, the commit
// runs to completion even if ctx is cancelled; only further retries stop.
// When every attempt fails the identifier is recorded as failed and a
// *CommitError is returned.
func (r *Reconciler) Apply(ctx context.Context, runID int64, c *domain.Candidate) (*domain.WriteResult, error) {
	ctx, span := tracer.Start(ctx, "engine.apply")
	span.SetAttributes(
		attribute.Int64("run.id", runID),
		attribute.String("item.id", c.ItemID),
	)
	defer span.End()

	mu := r.lockFor(c.ItemID)
	mu.Lock()
	defer mu.Unlock()

	commitCtx := context.WithoutCancel(ctx)

	attempts := 0
	policy := r.retry
	policy.ShouldRetry = func(error) bool { return ctx.Err() == nil }
	policy.OnRetry = func(attempt int, err error) {
		metrics.CommitRetriesTotal.Inc()
		r.log.Warn("retrying commit", "item_id", c.ItemID, "attempt", attempt, "error", err)
	}

	res, err := resilience.DoVal(commitCtx, policy, func(ctx context.Context) (*domain.WriteResult, error) {
		attempts++
		return r.commit(ctx, runID, c)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		metrics.CommitFaultsTotal.Inc()

		if _, ferr := r.store.RecordRunFailure(commitCtx, runID, c.ItemID, domain.StageCommit, err.Error()); ferr != nil {
			r.log.Error("recording commit failure", "item_id", c.ItemID, "error", ferr)
		}
		return nil, &CommitError{ItemID: c.ItemID, Attempts: attempts, Err: err}
	}

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	metrics.CandidatesTotal.WithLabelValues(string(res.Outcome)).Inc()
	if res.Appended {
		metrics.LedgerAppendsTotal.Inc()
	}
	if res.Stale {
		metrics.StaleObservationsTotal.Inc()
	}
	return res, nil
}

func (r *Reconciler) commit(ctx context.Context, runID int64, c *domain.Candidate) (*domain.WriteResult, error) {
	var res *domain.WriteResult
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		stored, err := tx.GetListingForUpdate(ctx, c.ItemID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			stored = nil
		case err != nil:
			return err
		}

		cand, stale, err := prepare(c, stored)
		if err != nil {
			return err
		}

		outcome := Classify(cand, stored)
		res = &domain.WriteResult{ItemID: c.ItemID, Outcome: outcome, Stale: stale}

		switch outcome {
		case domain.OutcomeNew:
			l := &domain.Listing{
				ItemID:        cand.ItemID,
				Attributes:    cand.Attributes,
				Fingerprint:   cand.Fingerprint,
				Detail:        cand.Detail,
				FirstSeenRun:  runID,
				LastSeenRun:   runID,
				FirstSeenAt:   cand.ObservedAt,
				LastUpdatedAt: cand.ObservedAt,
			}
			if err := tx.InsertListing(ctx, l); err != nil {
				return err
			}
			if err := appendPrice(ctx, tx, cand, runID); err != nil {
				return err
			}
			res.Appended = true

		case domain.OutcomePriceChanged:
			if err := tx.UpdateListing(ctx, revise(stored, cand, runID)); err != nil {
				return err
			}
			if err := appendPrice(ctx, tx, cand, runID); err != nil {
				return err
			}
			res.Appended = true

		case domain.OutcomeMetadataChanged:
			if err := tx.UpdateListing(ctx, revise(stored, cand, runID)); err != nil {
				return err
			}

		case domain.OutcomeUnchanged:
			if err := tx.UpdateListing(ctx, touch(stored, cand, runID)); err != nil {
				return err
			}
		}

		res.Counted, err = tx.RecordRunItem(ctx, runID, c.ItemID, outcome)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconciling %s: %w", c.ItemID, err)
	}
	return res, nil
}

// prepare adjusts a candidate against the stored listing before
// classification. A shallower observation is merged over the stored
// attributes so that detail never regresses. An observation not newer
// than the ledger head keeps the stored price.
func prepare(c *domain.Candidate, stored *domain.Listing) (*domain.Candidate, bool, error) {
	cand := *c
	if stored == nil {
		return &cand, false, nil
	}

	if cand.Detail < stored.Detail {
		cand.Attributes = normalize.Merge(stored.Attributes, cand.Attributes)
		fp, err := normalize.Fingerprint(cand.Attributes)
		if err != nil {
			return nil, false, fmt.Errorf("fingerprinting merged attributes: %w", err)
		}
		cand.Fingerprint = fp
		cand.Detail = stored.Detail
	}

	stale := !stored.PriceSince.IsZero() && !cand.ObservedAt.After(stored.PriceSince)
	if stale {
		cand.Price = stored.Price
	}
	return &cand, stale, nil
}

// revise returns stored with the candidate's content applied.
func revise(stored *domain.Listing, c *domain.Candidate, runID int64) *domain.Listing {
	l := touch(stored, c, runID)
	l.Attributes = c.Attributes
	l.Fingerprint = c.Fingerprint
	l.Detail = max(stored.Detail, c.Detail)
	return l
}

// touch returns stored with only the liveness fields advanced.
func touch(stored *domain.Listing, c *domain.Candidate, runID int64) *domain.Listing {
	l := *stored
	l.LastSeenRun = max(stored.LastSeenRun, runID)
	if c.ObservedAt.After(stored.LastUpdatedAt) {
		l.LastUpdatedAt = c.ObservedAt
	}
	return &l
}

func appendPrice(ctx context.Context, tx store.Tx, c *domain.Candidate, runID int64) error {
	return tx.AppendPrice(ctx, &domain.PriceHistoryEntry{
		ItemID:     c.ItemID,
		Price:      c.Price,
		ObservedAt: c.ObservedAt,
		RunID:      runID,
	})
}

func (r *Reconciler) lockFor(itemID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(itemID))
	return &r.locks[h.Sum32()%lockStripes]
}

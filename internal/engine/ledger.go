package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/donaldgifford/market-ledger/internal/metrics"
	"github.com/donaldgifford/market-ledger/internal/store"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// StopCrashRecovery is the stop reason of runs aborted by Recover.
const StopCrashRecovery = "crash_recovery"

// RunLedger owns the run lifecycle. At most one run is running at a time.
type RunLedger struct {
	store   store.Store
	log     *slog.Logger
	nowFunc func() time.Time

	mu        sync.Mutex
	recovered bool
}

// LedgerOption configures the RunLedger.
type LedgerOption func(*RunLedger)

// WithLedgerLogger sets the logger.
func WithLedgerLogger(l *slog.Logger) LedgerOption {
	return func(rl *RunLedger) {
		rl.log = l
	}
}

// WithLedgerNowFunc overrides the clock used for run timestamps.
func WithLedgerNowFunc(f func() time.Time) LedgerOption {
	return func(rl *RunLedger) {
		rl.nowFunc = f
	}
}

// WithLedgerStartupRecovery controls whether the first BeginRun of the
// process recovers stale runs. Disable it in short-lived processes that may
// run next to a serving process; Recover is still available explicitly.
func WithLedgerStartupRecovery(enabled bool) LedgerOption {
	return func(rl *RunLedger) {
		rl.recovered = !enabled
	}
}

// NewRunLedger creates a RunLedger.
func NewRunLedger(s store.Store, opts ...LedgerOption) *RunLedger {
	rl := &RunLedger{
		store:   s,
		log:     slog.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Recover aborts every run left running by a previous process. Writes
// already committed under those runs are kept; their counters are
// recomputed but marked untrusted. It returns the recovered run ids.
func (rl *RunLedger) Recover(ctx context.Context) ([]int64, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.recoverLocked(ctx)
}

func (rl *RunLedger) recoverLocked(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := rl.store.InTx(ctx, func(tx store.Tx) error {
		ids = nil
		if err := tx.LockRuns(ctx); err != nil {
			return err
		}
		running, err := tx.RunningRuns(ctx)
		if err != nil {
			return err
		}
		for i := range running {
			r := &running[i]
			if r.Counters, err = tx.RunCounters(ctx, r.ID); err != nil {
				return err
			}
			ended := rl.nowFunc().UTC()
			r.EndedAt = &ended
			r.Status = domain.RunAborted
			r.Trusted = false
			r.StopReason = StopCrashRecovery
			if err := tx.UpdateRun(ctx, r); err != nil {
				return err
			}
			ids = append(ids, r.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recovering stale runs: %w", err)
	}

	rl.recovered = true
	for _, id := range ids {
		metrics.CrashRecoveriesTotal.Inc()
		metrics.IngestionRunsTotal.WithLabelValues(string(domain.RunAborted)).Inc()
		rl.log.Warn("aborted run left running by a previous process", "run_id", id)
	}
	return ids, nil
}

// BeginRun starts a new run. The first call in a process recovers stale
// runs first. It fails with ErrRunInProgress while another run is running.
func (rl *RunLedger) BeginRun(ctx context.Context) (*domain.Run, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.recovered {
		if _, err := rl.recoverLocked(ctx); err != nil {
			return nil, err
		}
	}

	var run *domain.Run
	err := rl.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockRuns(ctx); err != nil {
			return err
		}
		running, err := tx.RunningRuns(ctx)
		if err != nil {
			return err
		}
		if len(running) > 0 {
			return fmt.Errorf("%w: run %d started at %s",
				ErrRunInProgress, running[0].ID, running[0].StartedAt.Format(time.RFC3339))
		}
		run, err = tx.InsertRun(ctx, rl.nowFunc().UTC().Truncate(time.Microsecond))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			return nil, err
		}
		return nil, fmt.Errorf("beginning run: %w", err)
	}

	rl.log.Info("run started", "run_id", run.ID)
	return run, nil
}

// FinalizeRun ends a running run with status completed or aborted.
// Counters are derived from the identifiers recorded against the run. Only
// completed runs are trusted.
//
// Finalizing an untrusted, undiscarded aborted run as completed is an
// operator accepting it; see Accept.
func (rl *RunLedger) FinalizeRun(
	ctx context.Context,
	runID int64,
	status domain.RunStatus,
	stopReason string,
) (*domain.Run, error) {
	if status != domain.RunCompleted && status != domain.RunAborted {
		return nil, fmt.Errorf("finalizing run %d: invalid status %q", runID, status)
	}

	var (
		run    *domain.Run
		accept bool
	)
	err := rl.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockRuns(ctx); err != nil {
			return err
		}
		r, err := tx.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		if r.Status != domain.RunRunning {
			if status == domain.RunCompleted && r.Status == domain.RunAborted && !r.Trusted && !r.Discarded {
				accept = true
				return nil
			}
			return ErrRunFinalized
		}

		if r.Counters, err = tx.RunCounters(ctx, runID); err != nil {
			return err
		}
		ended := rl.nowFunc().UTC().Truncate(time.Microsecond)
		r.EndedAt = &ended
		r.Status = status
		r.Trusted = status == domain.RunCompleted
		r.StopReason = stopReason
		if err := tx.UpdateRun(ctx, r); err != nil {
			return err
		}
		run = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalizing run %d: %w", runID, err)
	}
	if accept {
		return rl.Accept(ctx, runID, stopReason)
	}

	metrics.IngestionRunsTotal.WithLabelValues(string(status)).Inc()
	metrics.LastRunTimestamp.Set(float64(run.EndedAt.Unix()))
	rl.log.Info("run finalized",
		"run_id", run.ID,
		"status", run.Status,
		"stop_reason", run.StopReason,
		"seen", run.Counters.Seen,
		"created", run.Counters.Created,
		"price_changed", run.Counters.PriceChanged,
		"metadata_changed", run.Counters.MetadataChanged,
		"unchanged", run.Counters.Unchanged,
		"failed", run.Counters.Failed,
		"normalize_failed", run.Counters.NormalizeFailed,
	)
	return run, nil
}

// Accept marks a finalized run trusted so its change-set becomes
// selectable. It is how an operator takes a crash-recovered run: counters
// are recomputed from the identifiers recorded against the run and reason
// is appended to its stop reason. The status is kept. Accepting a trusted
// run is a no-op; running and discarded runs are refused.
func (rl *RunLedger) Accept(ctx context.Context, runID int64, reason string) (*domain.Run, error) {
	var (
		run     *domain.Run
		changed bool
	)
	err := rl.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockRuns(ctx); err != nil {
			return err
		}
		r, err := tx.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		switch {
		case r.Status == domain.RunRunning:
			return ErrRunActive
		case r.Discarded:
			return ErrRunDiscarded
		case r.Trusted:
			run = r
			return nil
		}

		if r.Counters, err = tx.RunCounters(ctx, runID); err != nil {
			return err
		}
		r.Trusted = true
		if reason != "" {
			var reasons []string
			if r.StopReason != "" {
				reasons = strings.Split(r.StopReason, ",")
			}
			r.StopReason = strings.Join(appendReason(reasons, reason), ",")
		}
		if err := tx.UpdateRun(ctx, r); err != nil {
			return err
		}
		run, changed = r, true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("accepting run %d: %w", runID, err)
	}

	if changed {
		rl.log.Warn("run accepted by operator",
			"run_id", run.ID,
			"status", run.Status,
			"stop_reason", run.StopReason,
			"created", run.Counters.Created,
			"price_changed", run.Counters.PriceChanged,
		)
	}
	return run, nil
}

// Counters returns the counters of a run. A running run's counters are
// computed live.
func (rl *RunLedger) Counters(ctx context.Context, runID int64) (domain.RunCounters, error) {
	r, err := rl.getRun(ctx, runID)
	if err != nil {
		return domain.RunCounters{}, err
	}
	if r.Status != domain.RunRunning {
		return r.Counters, nil
	}

	var c domain.RunCounters
	err = rl.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		c, err = tx.RunCounters(ctx, runID)
		return err
	})
	if err != nil {
		return domain.RunCounters{}, fmt.Errorf("counting run %d: %w", runID, err)
	}
	return c, nil
}

// Discard flags a finalized run so its change-set is never exported.
func (rl *RunLedger) Discard(ctx context.Context, runID int64) (*domain.Run, error) {
	var run *domain.Run
	err := rl.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockRuns(ctx); err != nil {
			return err
		}
		r, err := tx.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		if r.Status == domain.RunRunning {
			return ErrRunActive
		}
		r.Discarded = true
		if err := tx.UpdateRun(ctx, r); err != nil {
			return err
		}
		run = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discarding run %d: %w", runID, err)
	}
	return run, nil
}

func (rl *RunLedger) getRun(ctx context.Context, runID int64) (*domain.Run, error) {
	r, err := rl.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("run %d: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %d: %w", runID, err)
	}
	return r, nil
}

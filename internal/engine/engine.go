// Package engine reconciles collected listings into the store: it runs
// convergence passes over the configured feeds, classifies each candidate
// against stored state and commits it under a run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/donaldgifford/market-ledger/internal/collect"
	"github.com/donaldgifford/market-ledger/internal/metrics"
	"github.com/donaldgifford/market-ledger/internal/notify"
	"github.com/donaldgifford/market-ledger/internal/resilience"
	"github.com/donaldgifford/market-ledger/internal/store"
	"github.com/donaldgifford/market-ledger/pkg/normalize"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

const defaultWorkers = 4

// Engine runs ingestion: one run walks every feed, one convergence pass
// per feed. Collection of the next pass overlaps reconciliation of the
// previous one.
type Engine struct {
	store      store.Store
	opener     collect.Opener
	feeds      []string
	controller *collect.Controller
	normalizer *normalize.Normalizer
	ledger     *RunLedger
	reconciler *Reconciler
	selector   *Selector
	notifier   notify.Notifier
	log        *slog.Logger

	workers         int
	commitRetry     resilience.Policy
	nowFunc         func() time.Time
	startupRecovery bool

	// life bounds background and scheduled runs; Shutdown cancels it.
	life     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// WithController sets the convergence controller.
func WithController(c *collect.Controller) EngineOption {
	return func(e *Engine) {
		e.controller = c
	}
}

// WithNormalizer sets the normalizer.
func WithNormalizer(n *normalize.Normalizer) EngineOption {
	return func(e *Engine) {
		e.normalizer = n
	}
}

// WithWorkers sets how many identifiers are reconciled in parallel.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithEngineCommitRetry sets the retry policy for per-identifier commits.
func WithEngineCommitRetry(p resilience.Policy) EngineOption {
	return func(e *Engine) {
		e.commitRetry = p
	}
}

// WithNowFunc overrides the clock used for run timestamps.
func WithNowFunc(f func() time.Time) EngineOption {
	return func(e *Engine) {
		e.nowFunc = f
	}
}

// WithStartupRecovery controls whether the first run of the process
// recovers runs left running by a previous process. It defaults to true.
func WithStartupRecovery(enabled bool) EngineOption {
	return func(e *Engine) {
		e.startupRecovery = enabled
	}
}

// NewEngine creates an Engine that walks feeds through opener.
func NewEngine(s store.Store, opener collect.Opener, feeds []string, opts ...EngineOption) *Engine {
	eng := &Engine{
		store:           s,
		opener:          opener,
		feeds:           feeds,
		log:             slog.Default(),
		workers:         defaultWorkers,
		commitRetry:     resilience.DefaultPolicy(),
		nowFunc:         time.Now,
		startupRecovery: true,
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.life, eng.stop = context.WithCancel(context.Background())
	if eng.workers <= 0 {
		eng.workers = defaultWorkers
	}
	if eng.controller == nil {
		eng.controller = collect.NewController(collect.WithControllerLogger(eng.log))
	}
	if eng.normalizer == nil {
		eng.normalizer = normalize.New()
	}
	eng.ledger = NewRunLedger(s,
		WithLedgerLogger(eng.log),
		WithLedgerNowFunc(eng.nowFunc),
		WithLedgerStartupRecovery(eng.startupRecovery),
	)
	eng.selector = NewSelector(s)
	eng.reconciler = NewReconciler(s,
		WithReconcilerLogger(eng.log),
		WithCommitRetry(eng.commitRetry),
	)
	return eng
}

// Ledger returns the engine's run ledger.
func (eng *Engine) Ledger() *RunLedger {
	return eng.ledger
}

// RunIngestion executes one run over feeds, or over the configured feeds
// when none are given. The run is always finalized: completed when every
// feed was walked, aborted when ctx ended first. It fails with
// ErrRunInProgress without creating a run when another run is active.
func (eng *Engine) RunIngestion(ctx context.Context, feeds ...string) (*domain.Run, error) {
	run, err := eng.ledger.BeginRun(ctx)
	if err != nil {
		return nil, err
	}
	return eng.execute(ctx, run, feeds)
}

// RunResult is the outcome of a background run.
type RunResult struct {
	Run *domain.Run
	Err error
}

// StartIngestion opens a run and executes it in the background. The run
// outlives ctx but not the engine: Shutdown aborts it. It is also bounded
// by timeout when positive. It returns the running run, ErrRunInProgress,
// or ErrShuttingDown. done yields the finalized run.
func (eng *Engine) StartIngestion(
	ctx context.Context,
	timeout time.Duration,
	feeds ...string,
) (*domain.Run, <-chan RunResult, error) {
	if err := eng.acquire(); err != nil {
		return nil, nil, err
	}
	run, err := eng.ledger.BeginRun(ctx)
	if err != nil {
		eng.inflight.Done()
		return nil, nil, err
	}

	runCtx, cancel := eng.detach(ctx, timeout)
	done := make(chan RunResult, 1)
	go func() {
		defer eng.inflight.Done()
		defer cancel()
		final, err := eng.execute(runCtx, run, feeds)
		done <- RunResult{Run: final, Err: err}
	}()

	return run, done, nil
}

// RunDetached executes one run in the caller's goroutine under the
// engine's lifetime, bounded by timeout when positive. The scheduler uses
// it so Shutdown reaches scheduled runs.
func (eng *Engine) RunDetached(timeout time.Duration, feeds ...string) (*domain.Run, error) {
	if err := eng.acquire(); err != nil {
		return nil, err
	}
	defer eng.inflight.Done()

	ctx, cancel := eng.detach(context.Background(), timeout)
	defer cancel()
	return eng.RunIngestion(ctx, feeds...)
}

// Shutdown cancels every background and scheduled run and waits until
// each has been finalized, or until ctx ends. Later StartIngestion and
// RunDetached calls fail with ErrShuttingDown.
func (eng *Engine) Shutdown(ctx context.Context) error {
	eng.mu.Lock()
	eng.closed = true
	eng.mu.Unlock()
	eng.stop()

	finished := make(chan struct{})
	go func() {
		eng.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs to finalize: %w", ctx.Err())
	}
}

func (eng *Engine) acquire() error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.closed {
		return ErrShuttingDown
	}
	eng.inflight.Add(1)
	return nil
}

// detach derives a run context from the engine's lifetime, keeping the
// caller's span as parent.
func (eng *Engine) detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	bg := trace.ContextWithSpan(eng.life, trace.SpanFromContext(ctx))
	if timeout > 0 {
		return context.WithTimeout(bg, timeout)
	}
	return context.WithCancel(bg)
}

func (eng *Engine) execute(ctx context.Context, run *domain.Run, feeds []string) (*domain.Run, error) {
	if len(feeds) == 0 {
		feeds = eng.feeds
	}

	start := time.Now()
	defer func() {
		metrics.IngestionDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, span := tracer.Start(ctx, "engine.run_ingestion")
	span.SetAttributes(
		attribute.Int64("run.id", run.ID),
		attribute.Int("feeds", len(feeds)),
	)
	defer span.End()

	log := eng.log.With("run_id", run.ID)
	log.Info("ingestion starting", "feeds", len(feeds))

	passes := make(chan *collect.Result)
	go func() {
		defer close(passes)
		for _, feed := range feeds {
			if ctx.Err() != nil {
				return
			}
			res := eng.collectFeed(ctx, log, feed)
			select {
			case passes <- res:
			case <-ctx.Done():
				return
			}
		}
	}()

	var reasons []string
	for res := range passes {
		reasons = appendReason(reasons, string(res.Reason))
		eng.reconcilePass(ctx, log, run.ID, res)
	}

	status := domain.RunCompleted
	if ctx.Err() != nil {
		status = domain.RunAborted
		reasons = appendReason(reasons, string(collect.StopCancelled))
	}

	final, err := eng.ledger.FinalizeRun(context.WithoutCancel(ctx), run.ID, status, strings.Join(reasons, ","))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		return nil, err
	}

	eng.notifyRun(ctx, log, final)

	if status == domain.RunAborted {
		span.SetStatus(codes.Error, "aborted")
		return final, fmt.Errorf("run %d aborted: %w", run.ID, ctx.Err())
	}
	return final, nil
}

// collectFeed runs one convergence pass over feed. Faults are folded into
// the result; a feed that cannot be opened yields an empty pass.
func (eng *Engine) collectFeed(ctx context.Context, log *slog.Logger, feed string) *collect.Result {
	ctx, span := tracer.Start(ctx, "engine.collect_feed")
	span.SetAttributes(attribute.String("feed", feed))
	defer span.End()

	src, err := eng.opener.Open(ctx, feed)
	if err != nil {
		log.Error("opening feed failed", "feed", feed, "error", err)
		span.RecordError(err)
		metrics.CollectionStopsTotal.WithLabelValues(string(collect.StopFailed)).Inc()
		return &collect.Result{Feed: feed, Reason: collect.StopFailed, Err: err}
	}
	if c, ok := src.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				log.Warn("closing feed", "feed", feed, "error", err)
			}
		}()
	}

	res := eng.controller.Collect(ctx, src)
	res.Feed = feed

	span.SetAttributes(
		attribute.String("stop_reason", string(res.Reason)),
		attribute.Int("iterations", res.Iterations),
		attribute.Int("candidates", len(res.Candidates)),
	)
	metrics.CollectionIterations.Observe(float64(res.Iterations))
	metrics.CollectionStopsTotal.WithLabelValues(string(res.Reason)).Inc()
	metrics.CollectionDroppedTotal.Add(float64(res.Dropped))

	attrs := []any{
		"feed", feed,
		"stop_reason", res.Reason,
		"iterations", res.Iterations,
		"candidates", len(res.Candidates),
		"dropped", res.Dropped,
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		log.Warn("convergence pass ended early", append(attrs, "error", res.Err)...)
	} else {
		log.Info("convergence pass complete", attrs...)
	}
	return res
}

// reconcilePass normalizes and commits every candidate of a pass. Faults
// are isolated per identifier. Once ctx ends no new commits start.
func (eng *Engine) reconcilePass(ctx context.Context, log *slog.Logger, runID int64, res *collect.Result) {
	g := new(errgroup.Group)
	g.SetLimit(eng.workers)

	for i := range res.Candidates {
		if ctx.Err() != nil {
			break
		}
		raw := res.Candidates[i]
		g.Go(func() error {
			eng.reconcileOne(ctx, log, runID, raw)
			return nil
		})
	}
	_ = g.Wait()
}

func (eng *Engine) reconcileOne(ctx context.Context, log *slog.Logger, runID int64, raw domain.RawCandidate) {
	c, err := eng.normalizer.Normalize(raw)
	if err != nil {
		metrics.NormalizationFaultsTotal.Inc()
		log.Warn("skipping candidate", "item_id", raw.ItemID, "error", err)
		id := strings.TrimSpace(raw.ItemID)
		if id == "" {
			return
		}
		if _, ferr := eng.store.RecordRunFailure(
			context.WithoutCancel(ctx), runID, id, domain.StageNormalize, err.Error(),
		); ferr != nil {
			log.Error("recording normalization failure", "item_id", raw.ItemID, "error", ferr)
		}
		return
	}

	res, err := eng.reconciler.Apply(ctx, runID, c)
	if err != nil {
		var ce *CommitError
		if errors.As(err, &ce) {
			log.Error("identifier skipped", "item_id", ce.ItemID, "attempts", ce.Attempts, "error", ce.Err)
			return
		}
		log.Error("reconciling candidate", "item_id", c.ItemID, "error", err)
		return
	}

	log.Debug("candidate reconciled",
		"item_id", res.ItemID,
		"outcome", res.Outcome,
		"appended", res.Appended,
		"stale", res.Stale,
	)
}

func appendReason(reasons []string, r string) []string {
	for _, have := range reasons {
		if have == r {
			return reasons
		}
	}
	return append(reasons, r)
}

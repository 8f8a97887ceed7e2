package collect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/donaldgifford/market-ledger/internal/metrics"
	"github.com/donaldgifford/market-ledger/internal/resilience"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

const (
	defaultNoGrowthLimit = 3
	defaultMaxItems      = 300
	defaultMaxIterations = 50
)

// StopReason explains why a convergence pass ended.
type StopReason string

// Stop reasons.
const (
	StopNoGrowth      StopReason = "no_growth"
	StopMaxItems      StopReason = "max_items"
	StopMaxIterations StopReason = "max_iterations"
	StopEndOfData     StopReason = "end_of_data"
	StopExhausted     StopReason = "collection_exhausted"
	StopFailed        StopReason = "collection_failed"
	StopCancelled     StopReason = "cancelled"
)

// Result is the outcome of one convergence pass. Candidates is always
// usable, even when the pass ended early.
type Result struct {
	Feed       string
	Candidates []domain.RawCandidate
	Reason     StopReason
	Iterations int
	Dropped    int
	Err        error
}

// Controller repeatedly pulls batches from a Source and decides when the
// set of distinct listings has stopped growing.
type Controller struct {
	noGrowthLimit int
	maxItems      int
	maxIterations int
	retry         resilience.Policy
	logger        *slog.Logger
	nowFunc       func() time.Time
}

// ControllerOption configures the Controller.
type ControllerOption func(*Controller)

// WithNoGrowthLimit sets how many consecutive batches without a new
// identifier end the pass.
func WithNoGrowthLimit(n int) ControllerOption {
	return func(c *Controller) {
		c.noGrowthLimit = n
	}
}

// WithMaxItems caps the number of distinct identifiers per pass.
func WithMaxItems(n int) ControllerOption {
	return func(c *Controller) {
		c.maxItems = n
	}
}

// WithMaxIterations caps the number of batches fetched per pass.
func WithMaxIterations(n int) ControllerOption {
	return func(c *Controller) {
		c.maxIterations = n
	}
}

// WithRetryPolicy sets the retry policy for transient batch faults.
func WithRetryPolicy(p resilience.Policy) ControllerOption {
	return func(c *Controller) {
		c.retry = p
	}
}

// WithControllerLogger sets the logger.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithControllerNowFunc overrides the clock used to stamp observations.
func WithControllerNowFunc(f func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.nowFunc = f
	}
}

// NewController creates a Controller.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		noGrowthLimit: defaultNoGrowthLimit,
		maxItems:      defaultMaxItems,
		maxIterations: defaultMaxIterations,
		retry:         resilience.DefaultPolicy(),
		logger:        slog.Default(),
		nowFunc:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.noGrowthLimit <= 0 {
		c.noGrowthLimit = defaultNoGrowthLimit
	}
	if c.maxItems <= 0 {
		c.maxItems = defaultMaxItems
	}
	if c.maxIterations <= 0 {
		c.maxIterations = defaultMaxIterations
	}
	return c
}

// Collect runs one convergence pass over src. It stops on the first of:
// the distinct count reaching the item cap, noGrowthLimit consecutive
// batches adding no new identifier, the iteration cap, end of data, a
// fault that survives the retry policy, or ctx ending.
//
// Within the pass a later record for an identifier replaces the kept one
// unless it is less complete.
func (c *Controller) Collect(ctx context.Context, src Source) *Result {
	res := &Result{}
	index := make(map[string]int)
	noGrowth := 0

	retry := c.retry
	retry.ShouldRetry = IsTransient
	retry.OnRetry = func(attempt int, err error) {
		metrics.CollectionRetriesTotal.Inc()
		c.logger.Warn("retrying batch fetch", "attempt", attempt, "error", err)
	}

	for res.Iterations < c.maxIterations {
		if ctx.Err() != nil {
			res.Reason = StopCancelled
			res.Err = ctx.Err()
			return res
		}

		batch, err := resilience.DoVal(ctx, retry, src.NextBatch)
		if err != nil {
			res.Err = err
			switch {
			case errors.Is(err, ErrEndOfData):
				res.Reason = StopEndOfData
				res.Err = nil
			case ctx.Err() != nil:
				res.Reason = StopCancelled
			case IsTransient(err):
				res.Reason = StopExhausted
			default:
				res.Reason = StopFailed
			}
			return res
		}
		res.Iterations++

		fetchedAt := c.nowFunc().UTC()
		before := len(index)
		for _, rec := range batch.Records {
			c.accept(res, index, rec, fetchedAt)
		}

		if len(index) >= c.maxItems {
			res.Reason = StopMaxItems
			return res
		}

		if len(index) == before {
			noGrowth++
		} else {
			noGrowth = 0
		}
		if noGrowth >= c.noGrowthLimit {
			res.Reason = StopNoGrowth
			return res
		}
	}

	res.Reason = StopMaxIterations
	return res
}

// accept folds one record into the pass. New identifiers are refused once
// the item cap is reached; known identifiers may still be superseded.
func (c *Controller) accept(
	res *Result,
	index map[string]int,
	rec domain.RawCandidate,
	fetchedAt time.Time,
) {
	if rec.ItemID == "" {
		res.Dropped++
		return
	}
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = fetchedAt
	}

	if i, ok := index[rec.ItemID]; ok {
		if rec.Detail >= res.Candidates[i].Detail {
			res.Candidates[i] = rec
		}
		return
	}

	if len(index) >= c.maxItems {
		return
	}
	index[rec.ItemID] = len(res.Candidates)
	res.Candidates = append(res.Candidates, rec)
}

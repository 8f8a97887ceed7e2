package collect

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedSource throttles batch fetches with a token bucket so the
// collector is not asked to scroll faster than the marketplace tolerates.
type RateLimitedSource struct {
	src     Source
	limiter *rate.Limiter
}

// NewRateLimitedSource wraps src. perSecond <= 0 disables throttling.
func NewRateLimitedSource(src Source, perSecond float64, burst int) *RateLimitedSource {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedSource{
		src:     src,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// NextBatch waits for a token, then delegates.
func (r *RateLimitedSource) NextBatch(ctx context.Context) (Batch, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Batch{}, fmt.Errorf("rate limiter wait: %w", err)
	}
	return r.src.NextBatch(ctx)
}

// Close closes the wrapped source when it supports closing.
func (r *RateLimitedSource) Close() error {
	if c, ok := r.src.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// RateLimitedOpener wraps every source opened by an Opener. All sources
// share one bucket.
type RateLimitedOpener struct {
	opener  Opener
	limiter *rate.Limiter
}

// NewRateLimitedOpener wraps opener.
func NewRateLimitedOpener(opener Opener, perSecond float64, burst int) *RateLimitedOpener {
	shared := NewRateLimitedSource(nil, perSecond, burst)
	return &RateLimitedOpener{opener: opener, limiter: shared.limiter}
}

// Open opens the feed and applies the shared limiter.
func (o *RateLimitedOpener) Open(ctx context.Context, feed string) (Source, error) {
	src, err := o.opener.Open(ctx, feed)
	if err != nil {
		return nil, err
	}
	return &RateLimitedSource{src: src, limiter: o.limiter}, nil
}

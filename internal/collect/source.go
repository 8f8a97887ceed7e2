// Package collect drives the external collection process: it pulls batches
// of raw listing records from a Source until the set of distinct listings
// stops growing.
package collect

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// ErrEndOfData is returned by a Source when it has no more batches.
var ErrEndOfData = errors.New("end of data")

// TransientError marks a collection fault that is worth retrying, such as a
// timeout or a throttled response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient collection fault: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Batch is one page or scroll step worth of raw records.
type Batch struct {
	Records []domain.RawCandidate `json:"records"`
}

// Source yields batches for one feed. NextBatch returns ErrEndOfData once
// the feed is exhausted.
type Source interface {
	NextBatch(ctx context.Context) (Batch, error)
}

// Opener opens a Source for a feed.
type Opener interface {
	Open(ctx context.Context, feed string) (Source, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Batch, error)

// NextBatch calls f.
func (f SourceFunc) NextBatch(ctx context.Context) (Batch, error) {
	return f(ctx)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, feed string) (Source, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, feed string) (Source, error) {
	return f(ctx, feed)
}

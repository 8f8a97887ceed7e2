package engine

import (
	"errors"
	"fmt"
)

// Run lifecycle errors.
var (
	// ErrRunInProgress is returned by BeginRun while another run is
	// still running. No state is created.
	ErrRunInProgress = errors.New("another ingestion run is in progress")

	// ErrShuttingDown is returned once Engine.Shutdown has begun.
	ErrShuttingDown = errors.New("engine is shutting down")

	ErrRunNotFound  = errors.New("run not found")
	ErrRunFinalized = errors.New("run is already finalized")
	ErrRunActive    = errors.New("run is still running")
	ErrRunUntrusted = errors.New("run counters are untrusted")
	ErrRunDiscarded = errors.New("run was discarded")
)

// ErrCommitFault is matched by every CommitError.
var ErrCommitFault = errors.New("commit fault")

// CommitError reports an identifier whose atomic write kept failing after
// the retry policy gave up. The identifier is skipped and counted failed.
type CommitError struct {
	ItemID   string
	Attempts int
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("committing %s after %d attempts: %v", e.ItemID, e.Attempts, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCommitFault) match any CommitError.
func (e *CommitError) Is(target error) bool {
	return target == ErrCommitFault
}

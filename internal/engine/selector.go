package engine

import (
	"context"
	"fmt"

	"github.com/donaldgifford/market-ledger/internal/store"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// Selector answers change-set queries for the export boundary. It reads
// only the run id recorded on each write; there is no diff pass.
type Selector struct {
	store  store.Store
	ledger *RunLedger
}

// NewSelector creates a Selector.
func NewSelector(s store.Store) *Selector {
	return &Selector{store: s, ledger: NewRunLedger(s)}
}

// NewSince returns the listings first seen in runID.
func (s *Selector) NewSince(ctx context.Context, runID int64) ([]domain.Listing, error) {
	if err := s.selectable(ctx, runID); err != nil {
		return nil, err
	}
	listings, err := s.store.ListNewInRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("selecting new listings of run %d: %w", runID, err)
	}
	return listings, nil
}

// PriceChangedSince returns the ledger transitions appended in runID. A
// listing's first price is not a change.
func (s *Selector) PriceChangedSince(ctx context.Context, runID int64) ([]domain.PriceChange, error) {
	if err := s.selectable(ctx, runID); err != nil {
		return nil, err
	}
	changes, err := s.store.ListPriceChangesInRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("selecting price changes of run %d: %w", runID, err)
	}
	return changes, nil
}

func (s *Selector) selectable(ctx context.Context, runID int64) error {
	r, err := s.ledger.getRun(ctx, runID)
	if err != nil {
		return err
	}
	switch {
	case r.Status == domain.RunRunning:
		return fmt.Errorf("run %d: %w", runID, ErrRunActive)
	case r.Discarded:
		return fmt.Errorf("run %d: %w", runID, ErrRunDiscarded)
	case !r.Trusted:
		return fmt.Errorf("run %d: %w", runID, ErrRunUntrusted)
	}
	return nil
}

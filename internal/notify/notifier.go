// Package notify delivers run summaries to operators.
package notify

import (
	"context"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// RunSummary is what a finalized run reports. New and PriceChanges are
// empty for runs whose change-set is not selectable.
type RunSummary struct {
	Run          *domain.Run
	New          []domain.Listing
	PriceChanges []domain.PriceChange
}

// Notifier delivers run summaries.
type Notifier interface {
	NotifyRun(ctx context.Context, summary *RunSummary) error
}

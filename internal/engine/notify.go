package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/donaldgifford/market-ledger/internal/metrics"
	"github.com/donaldgifford/market-ledger/internal/notify"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

const notifyTimeout = 15 * time.Second

// WithNotifier sets where run summaries are delivered after finalize.
func WithNotifier(n notify.Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// notifyRun delivers the summary of a finalized run. Change-sets are
// attached only when the run is selectable. Delivery failures are logged
// and counted; they never affect the run.
func (eng *Engine) notifyRun(ctx context.Context, log *slog.Logger, run *domain.Run) {
	if eng.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	summary := &notify.RunSummary{Run: run}
	if run.Selectable() {
		var err error
		if summary.New, err = eng.selector.NewSince(ctx, run.ID); err != nil {
			log.Warn("selecting new listings for notification", "error", err)
		}
		if summary.PriceChanges, err = eng.selector.PriceChangedSince(ctx, run.ID); err != nil {
			log.Warn("selecting price changes for notification", "error", err)
		}
	}

	if err := eng.notifier.NotifyRun(ctx, summary); err != nil {
		metrics.NotificationFailuresTotal.Inc()
		log.Error("run notification failed", "error", err)
		return
	}
	metrics.NotificationsSentTotal.Inc()
}

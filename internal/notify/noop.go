package notify

import (
	"context"
	"log/slog"
)

// NoOpNotifier implements Notifier by logging discarded summaries. It is
// used when no webhook is configured.
type NoOpNotifier struct {
	log *slog.Logger
}

// NewNoOpNotifier creates a notifier that discards summaries with a log message.
func NewNoOpNotifier(log *slog.Logger) *NoOpNotifier {
	return &NoOpNotifier{log: log}
}

// NotifyRun logs and discards a run summary.
func (n *NoOpNotifier) NotifyRun(_ context.Context, s *RunSummary) error {
	n.log.Debug("run summary discarded (no backend configured)",
		"run_id", s.Run.ID,
		"status", s.Run.Status,
		"new", len(s.New),
		"price_changes", len(s.PriceChanges),
	)
	return nil
}

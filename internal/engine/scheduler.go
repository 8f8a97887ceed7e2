package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/donaldgifford/market-ledger/internal/metrics"
)

// Scheduler manages periodic ingestion runs.
type Scheduler struct {
	cron             *cron.Cron
	engine           *Engine
	log              *slog.Logger
	timeout          time.Duration
	ingestionEntryID cron.EntryID
}

// NewScheduler creates a new Scheduler that starts an ingestion run every
// interval. A non-zero timeout bounds each run.
func NewScheduler(
	eng *Engine,
	interval time.Duration,
	timeout time.Duration,
	log *slog.Logger,
) (*Scheduler, error) {
	c := cron.New()

	s := &Scheduler{
		cron:    c,
		engine:  eng,
		log:     log,
		timeout: timeout,
	}

	id, err := c.AddFunc("@every "+interval.String(), s.runIngestion)
	if err != nil {
		return nil, err
	}
	s.ingestionEntryID = id

	return s, nil
}

// Start begins running scheduled tasks.
func (s *Scheduler) Start() {
	s.log.Info("scheduler started")
	s.cron.Start()
	s.SyncNextRunTimestamps()
}

// Stop gracefully stops the scheduler, waiting for running jobs to finish.
func (s *Scheduler) Stop() context.Context {
	s.log.Info("scheduler stopping")
	return s.cron.Stop()
}

// Entries returns the registered cron entries for inspection.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// SyncNextRunTimestamps publishes the next scheduled run time.
func (s *Scheduler) SyncNextRunTimestamps() {
	e := s.cron.Entry(s.ingestionEntryID)
	if !e.Next.IsZero() {
		metrics.SchedulerNextIngestionTimestamp.Set(float64(e.Next.Unix()))
	}
}

func (s *Scheduler) runIngestion() {
	defer s.SyncNextRunTimestamps()

	s.log.Info("scheduled ingestion starting")
	run, err := s.engine.RunDetached(s.timeout)
	switch {
	case errors.Is(err, ErrRunInProgress):
		metrics.SchedulerSkippedTotal.Inc()
		s.log.Warn("scheduled ingestion skipped", "error", err)
	case errors.Is(err, ErrShuttingDown):
		s.log.Info("scheduled ingestion skipped, shutting down")
	case err != nil:
		s.log.Error("scheduled ingestion failed", "error", err)
	default:
		s.log.Info("scheduled ingestion complete", "run_id", run.ID, "stop_reason", run.StopReason)
	}
}

package domain

import "time"

// RunStatus is the lifecycle state of an ingestion run.
type RunStatus string

// Run status constants.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// Failure stages recorded against a run.
const (
	StageNormalize = "normalize"
	StageCommit    = "commit"
)

// RunCounters are the per-run outcome counts. Every identifier a run
// touches is counted exactly once.
type RunCounters struct {
	Seen            int `json:"seen"             db:"seen"`
	Created         int `json:"created"          db:"created"`
	PriceChanged    int `json:"price_changed"    db:"price_changed"`
	MetadataChanged int `json:"metadata_changed" db:"metadata_changed"`
	Unchanged       int `json:"unchanged"        db:"unchanged"`
	Failed          int `json:"failed"           db:"failed"`
	NormalizeFailed int `json:"normalize_failed" db:"normalize_failed"`
}

// Add increments the counter matching the outcome.
func (c *RunCounters) Add(o Outcome, n int) {
	switch o {
	case OutcomeNew:
		c.Created += n
	case OutcomePriceChanged:
		c.PriceChanged += n
	case OutcomeMetadataChanged:
		c.MetadataChanged += n
	case OutcomeUnchanged:
		c.Unchanged += n
	}
}

// Total sums every counted identifier.
func (c RunCounters) Total() int {
	return c.Created + c.PriceChanged + c.MetadataChanged + c.Unchanged +
		c.Failed + c.NormalizeFailed
}

// Run records one ingestion pass over the configured feeds.
type Run struct {
	ID         int64       `json:"id"                    db:"id"`
	StartedAt  time.Time   `json:"started_at"            db:"started_at"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"    db:"ended_at"`
	Status     RunStatus   `json:"status"                db:"status"`
	Counters   RunCounters `json:"counters"              db:"-"`
	Trusted    bool        `json:"trusted"               db:"trusted"`
	Discarded  bool        `json:"discarded"             db:"discarded"`
	StopReason string      `json:"stop_reason,omitempty" db:"stop_reason"`
}

// Selectable reports whether the run's change-set may be exported.
func (r *Run) Selectable() bool {
	return r.Status != RunRunning && r.Trusted && !r.Discarded
}

// PriceSummary aggregates current prices in one currency.
type PriceSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Stats is the dataset overview served by the read API.
type Stats struct {
	TotalListings  int                     `json:"total_listings"`
	ActiveListings int                     `json:"active_listings"`
	ActiveDays     int                     `json:"active_days"`
	Prices         map[string]PriceSummary `json:"prices"`
	ByBrand        map[string]int          `json:"by_brand"`
	ByYear         map[string]int          `json:"by_year"`
	Runs           int                     `json:"runs"`
	LastRun        *Run                    `json:"last_run,omitempty"`
}

package main

import "errors"

// KnownMetrics is the set of metric names exported by market-ledger plus
// recording rule names referenced in dashboards and alerts.
var KnownMetrics = map[string]bool{
	// HTTP metrics.
	"market_ledger_http_request_duration_seconds_bucket": true,
	"market_ledger_http_requests_total":                  true,
	"market_ledger_http_panics_total":                    true,

	// Health metrics.
	"market_ledger_healthz_up": true,
	"market_ledger_readyz_up":  true,

	// Collection metrics.
	"market_ledger_collection_stops_total":   true,
	"market_ledger_collection_retries_total": true,
	"market_ledger_collection_dropped_total": true,

	// Run metrics.
	"market_ledger_ingestion_runs_total":                 true,
	"market_ledger_ingestion_duration_seconds_bucket":    true,
	"market_ledger_candidates_total":                     true,
	"market_ledger_normalization_faults_total":           true,
	"market_ledger_commit_faults_total":                  true,
	"market_ledger_ledger_appends_total":                 true,
	"market_ledger_stale_observations_total":             true,
	"market_ledger_crash_recoveries_total":               true,
	"market_ledger_last_run_timestamp":                   true,
	"market_ledger_scheduler_next_ingestion_timestamp":   true,
	"market_ledger_scheduler_skipped_total":              true,
	"market_ledger_notification_duration_seconds_bucket": true,
	"market_ledger_notification_failures_total":          true,

	// Recording rules.
	"ml:http_requests:rate5m":         true,
	"ml:http_errors:rate5m":           true,
	"ml:candidates:rate5m":            true,
	"ml:ledger_appends:rate5m":        true,
	"ml:commit_faults:rate5m":         true,
	"ml:notification_duration:p95_5m": true,

	// Standard Prometheus metrics referenced in dashboards.
	"up":                         true,
	"process_start_time_seconds": true,
}

// Config controls which artifacts the generator produces and where they go.
type Config struct {
	OutputDir        string
	DashboardEnabled bool
	RulesEnabled     bool
}

// DefaultConfig returns a Config that generates all artifacts into ../../deploy
// (relative to tools/dashgen/).
func DefaultConfig() Config {
	return Config{
		OutputDir:        "../../deploy",
		DashboardEnabled: true,
		RulesEnabled:     true,
	}
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	if c.OutputDir == "" {
		return errors.New("output directory must be set")
	}
	if !c.DashboardEnabled && !c.RulesEnabled {
		return errors.New("at least one of dashboard or rules must be enabled")
	}
	return nil
}

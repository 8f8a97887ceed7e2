package panels

import (
	"github.com/grafana/grafana-foundation-sdk/go/common"
	"github.com/grafana/grafana-foundation-sdk/go/stat"
	"github.com/grafana/grafana-foundation-sdk/go/timeseries"
)

// LastRun shows time since the last ingestion run was finalized.
func LastRun() *stat.PanelBuilder {
	return single("Last Run", "Time since the last ingestion run was finalized",
		`time() - `+series("market_ledger_last_run_timestamp")).
		Unit("s").
		Thresholds(ThresholdsGreenYellowRed(1800, 3600)).
		ColorMode(common.BigValueColorModeBackground)
}

// NextIngestion shows time until the scheduler fires the next run.
func NextIngestion() *stat.PanelBuilder {
	return single("Next Ingestion", "Time until next scheduled ingestion run",
		series("market_ledger_scheduler_next_ingestion_timestamp")+` - time()`).
		Unit("s").
		Thresholds(ThresholdsGreenOnly()).
		ColorMode(common.BigValueColorModeBackground)
}

// RunsByStatus plots finalized runs per hour by terminal status.
func RunsByStatus() *timeseries.PanelBuilder {
	return trend("Runs / hour", "Finalized ingestion runs per hour by status", "short", ThirdWidth).
		WithTarget(PromQuery(
			`sum(increase(`+series("market_ledger_ingestion_runs_total")+`[1h])) by (status)`,
			"{{status}}", "A",
		)).
		Legend(TableLegend("last", "max")).
		Thresholds(ThresholdsGreenOnly()).
		ColorScheme(ColorSchemePaletteClassic()).
		DrawStyle(common.GraphDrawStyleBars)
}

// RunDuration plots the p95 run duration.
func RunDuration() *timeseries.PanelBuilder {
	return trend("Run Duration (p95)", "95th percentile ingestion run duration", "s", ThirdWidth).
		WithTarget(PromQuery(quantile(0.95, "market_ledger_ingestion_duration_seconds", "1h"), "p95", "A")).
		Thresholds(ThresholdsGreenOnly()).
		ColorScheme(ColorSchemePaletteClassic())
}

// CollectionStops plots why convergence passes ended.
func CollectionStops() *timeseries.PanelBuilder {
	return trend("Collection Stop Reasons", "Convergence passes per hour by stop reason", "short", ThirdWidth).
		WithTarget(PromQuery(
			`sum(increase(`+series("market_ledger_collection_stops_total")+`[1h])) by (reason)`,
			"{{reason}}", "A",
		)).
		Legend(TableLegend("last", "max")).
		Tooltip(MultiTooltip()).
		Thresholds(ThresholdsGreenOnly()).
		ColorScheme(ColorSchemePaletteClassic()).
		DrawStyle(common.GraphDrawStyleBars)
}

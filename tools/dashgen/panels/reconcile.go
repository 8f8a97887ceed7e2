package panels

import (
	"github.com/grafana/grafana-foundation-sdk/go/timeseries"
)

// CandidateOutcomes plots reconciled candidates per minute by outcome.
func CandidateOutcomes() *timeseries.PanelBuilder {
	return trend("Candidates / min", "Reconciled candidates per minute by outcome", "short", ThirdWidth).
		WithTarget(PromQuery(`ml:candidates:rate5m * 60`, "{{outcome}}", "A")).
		Legend(TableLegend("mean", "max")).
		Tooltip(MultiTooltip()).
		Thresholds(ThresholdsGreenOnly()).
		ColorScheme(ColorSchemePaletteClassic())
}

// LedgerAppends plots price-ledger appends next to the stale observations
// that were skipped instead.
func LedgerAppends() *timeseries.PanelBuilder {
	return trend("Ledger Appends / min", "Price history entries appended and stale observations skipped", "short", ThirdWidth).
		WithTarget(PromQuery(`ml:ledger_appends:rate5m * 60`, "appends", "A")).
		WithTarget(PromQuery(
			`rate(`+series("market_ledger_stale_observations_total")+`[5m]) * 60`,
			"stale", "B",
		)).
		Legend(TableLegend("mean", "max")).
		Tooltip(MultiTooltip()).
		Thresholds(ThresholdsGreenOnly()).
		ColorScheme(ColorSchemePaletteClassic())
}

// Faults plots records that failed normalization or could not be
// committed.
func Faults() *timeseries.PanelBuilder {
	return trend("Faults / min", "Records that failed normalization or could not be committed", "short", ThirdWidth).
		WithTarget(PromQuery(
			`rate(`+series("market_ledger_normalization_faults_total")+`[5m]) * 60`,
			"normalize", "A",
		)).
		WithTarget(PromQuery(`ml:commit_faults:rate5m * 60`, "commit", "B")).
		Thresholds(ThresholdsGreenYellowRed(0.1, 1)).
		ColorScheme(ColorSchemeThresholds())
}

package panels

import (
	"github.com/grafana/grafana-foundation-sdk/go/common"
	"github.com/grafana/grafana-foundation-sdk/go/stat"
)

// HealthzStat shows the liveness probe (1 = ok, 0 = failing).
func HealthzStat() *stat.PanelBuilder {
	return probe("Healthz", "Health check status (1 = ok, 0 = failing)", "market_ledger_healthz_up")
}

// ReadyzStat shows the readiness probe (1 = ready, 0 = not ready).
func ReadyzStat() *stat.PanelBuilder {
	return probe("Readyz", "Readiness check status (1 = ready, 0 = not ready)", "market_ledger_readyz_up")
}

func probe(title, description, gauge string) *stat.PanelBuilder {
	return single(title, description, gauge).
		Thresholds(ThresholdsRedGreen(1)).
		ColorMode(common.BigValueColorModeBackground).
		TextMode(common.BigValueTextModeValue)
}

// CrashRecoveries counts runs aborted by startup recovery over the last day.
func CrashRecoveries() *stat.PanelBuilder {
	return single("Crash Recoveries (24h)", "Runs found still running at startup and aborted",
		`increase(`+series("market_ledger_crash_recoveries_total")+`[24h])`).
		Thresholds(ThresholdsGreenYellowRed(1, 3)).
		ColorMode(common.BigValueColorModeBackground)
}

// UptimeStat shows time since process start.
func UptimeStat() *stat.PanelBuilder {
	return single("Uptime", "Time since process start",
		`time() - `+series("process_start_time_seconds")).
		Unit("s").
		Thresholds(ThresholdsGreenOnly())
}

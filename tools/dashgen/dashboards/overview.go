// Package dashboards assembles Grafana dashboard definitions from panel builders.
package dashboards

import (
	"github.com/grafana/grafana-foundation-sdk/go/dashboard"

	"github.com/donaldgifford/market-ledger/tools/dashgen/panels"
)

// BuildOverview constructs the market-ledger overview dashboard.
func BuildOverview() *dashboard.DashboardBuilder {
	b := dashboard.NewDashboardBuilder("Market Ledger Overview").
		Uid("market-ledger-overview").
		Tags([]string{"market-ledger"}).
		Refresh("30s").
		Time("now-24h", "now").
		Timezone("browser").
		Editable().
		Tooltip(dashboard.DashboardCursorSyncCrosshair).
		WithVariable(datasourceVar())

	// Row 1: Overview.
	b.WithRow(dashboard.NewRowBuilder("Overview").
		WithPanel(panels.HealthzStat()).
		WithPanel(panels.ReadyzStat()).
		WithPanel(panels.CrashRecoveries()).
		WithPanel(panels.UptimeStat()))

	// Row 2: HTTP.
	b.WithRow(dashboard.NewRowBuilder("HTTP").
		WithPanel(panels.RequestRate()).
		WithPanel(panels.LatencyPercentiles()).
		WithPanel(panels.ErrorRate()))

	// Row 3: Runs.
	b.WithRow(dashboard.NewRowBuilder("Runs").
		WithPanel(panels.LastRun()).
		WithPanel(panels.NextIngestion()).
		WithPanel(panels.RunsByStatus()).
		WithPanel(panels.RunDuration()).
		WithPanel(panels.CollectionStops()))

	// Row 4: Reconciliation.
	b.WithRow(dashboard.NewRowBuilder("Reconciliation").
		WithPanel(panels.CandidateOutcomes()).
		WithPanel(panels.LedgerAppends()).
		WithPanel(panels.Faults()))

	// Row 5: Notifications.
	b.WithRow(dashboard.NewRowBuilder("Notifications").
		WithPanel(panels.NotificationLatency()).
		WithPanel(panels.NotificationFailures()))

	return b
}

func datasourceVar() *dashboard.DatasourceVariableBuilder {
	return dashboard.NewDatasourceVariableBuilder("datasource").
		Label("Datasource").
		Type("prometheus")
}

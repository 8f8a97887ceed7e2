package rules

const (
	severityCritical = "critical"
	severityWarning  = "warning"
)

// AlertRules returns the operational alerts for market-ledger.
func AlertRules() PrometheusRule {
	return newRule("market-ledger-alerts", RuleGroup{
		Name: "market-ledger-alerts",
		Rules: []Rule{
			alert("MarketLedgerDown",
				`absent(up{job="market-ledger"})`, "2m", severityCritical,
				"Market ledger is down",
				"The market-ledger job has been absent for more than 2 minutes."),
			alert("MarketLedgerReadinessDown",
				`market_ledger_readyz_up == 0`, "2m", severityCritical,
				"Market ledger readiness check is failing",
				"The readiness probe has been reporting not-ready for more than 2 minutes."),
			alert("MarketLedgerHighErrorRate",
				`ml:http_errors:rate5m / ml:http_requests:rate5m > 0.05`, "5m", severityWarning,
				"High HTTP error rate on market-ledger",
				"More than 5% of HTTP requests are returning 5xx errors over the last 5 minutes."),
			alert("MarketLedgerRunsAborting",
				`increase(market_ledger_ingestion_runs_total{status="aborted"}[1h]) > 0`, "0m", severityWarning,
				"Ingestion runs are aborting",
				"At least one ingestion run was aborted in the last hour; its change-set is not selectable."),
			alert("MarketLedgerNoRecentRun",
				`time() - market_ledger_last_run_timestamp > 3 * 3600`, "10m", severityWarning,
				"No ingestion run finalized recently",
				"No run has been finalized in the last 3 hours."),
			alert("MarketLedgerCommitFaults",
				`ml:commit_faults:rate5m > 0`, "5m", severityWarning,
				"Reconciliation commits are failing",
				"Candidates have been failing to commit for more than 5 minutes."),
			alert("MarketLedgerNotificationFailures",
				`increase(market_ledger_notification_failures_total[5m]) > 0`, "1m", severityWarning,
				"Notification delivery failures detected",
				"One or more run summaries (Discord webhooks) have failed to send."),
		},
	})
}

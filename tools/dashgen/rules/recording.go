package rules

// RecordingRules returns the pre-computed series used by the dashboard and
// the alert rules.
func RecordingRules() PrometheusRule {
	return newRule("market-ledger-recording-rules", RuleGroup{
		Name: "market-ledger-recording",
		Rules: []Rule{
			{
				Record: "ml:http_requests:rate5m",
				Expr:   `sum(rate(market_ledger_http_requests_total[5m]))`,
			},
			{
				Record: "ml:http_errors:rate5m",
				Expr:   `sum(rate(market_ledger_http_requests_total{status=~"5.."}[5m]))`,
			},
			{
				Record: "ml:candidates:rate5m",
				Expr:   `sum(rate(market_ledger_candidates_total[5m])) by (outcome)`,
			},
			{
				Record: "ml:ledger_appends:rate5m",
				Expr:   `rate(market_ledger_ledger_appends_total[5m])`,
			},
			{
				Record: "ml:commit_faults:rate5m",
				Expr:   `rate(market_ledger_commit_faults_total[5m])`,
			},
			{
				Record: "ml:notification_duration:p95_5m",
				Expr:   `histogram_quantile(0.95, sum(rate(market_ledger_notification_duration_seconds_bucket[5m])) by (le))`,
			},
		},
	})
}

package panels

import (
	"github.com/grafana/grafana-foundation-sdk/go/timeseries"
)

const requestDuration = "market_ledger_http_request_duration_seconds"

// RequestRate plots HTTP requests per second across ingest and query
// endpoints.
func RequestRate() *timeseries.PanelBuilder {
	return trend("Request Rate", "HTTP requests per second", "reqps", TSWidth).
		WithTarget(PromQuery(`ml:http_requests:rate5m`, "req/s", "A")).
		Legend(TableLegend("mean", "max")).
		Tooltip(MultiTooltip()).
		Thresholds(ThresholdsGreenOnly()).
		ColorScheme(ColorSchemePaletteClassic())
}

// LatencyPercentiles plots p50, p95 and p99 request latency.
func LatencyPercentiles() *timeseries.PanelBuilder {
	p := trend("Latency Percentiles", "HTTP request duration percentiles", "s", TSWidth)
	for i, q := range []struct {
		v      float64
		legend string
	}{{0.50, "p50"}, {0.95, "p95"}, {0.99, "p99"}} {
		p = p.WithTarget(PromQuery(quantile(q.v, requestDuration, "5m"), q.legend, string(rune('A'+i))))
	}
	return p.
		Legend(TableLegend("mean", "max")).
		Tooltip(MultiTooltip()).
		Thresholds(ThresholdsGreenOnly()).
		ColorScheme(ColorSchemePaletteClassic())
}

// ErrorRate plots 5xx responses as a percentage of all requests.
func ErrorRate() *timeseries.PanelBuilder {
	return trend("Error Rate %", "HTTP 5xx error rate as percentage of total requests", "percent", TSWidth).
		WithTarget(PromQuery(`ml:http_errors:rate5m / ml:http_requests:rate5m * 100`, "error %", "A")).
		Thresholds(ThresholdsGreenYellowRed(1, 5)).
		ColorScheme(ColorSchemeThresholds())
}

// Package middleware provides Echo middleware for market-ledger.
package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/donaldgifford/market-ledger/internal/metrics"
)

// unmatchedRoute labels requests no route claimed so stray paths cannot
// grow the label set.
const unmatchedRoute = "unmatched"

// probes are scraped or polled far more often than the API is used; they
// are kept out of the request histograms. A non-nil gauge tracks the
// probe's last outcome.
var probes = map[string]prometheus.Gauge{
	"/metrics": nil,
	"/healthz": metrics.HealthzUp,
	"/readyz":  metrics.ReadyzUp,
}

// Metrics records request duration and count by method, route template
// and status, plus the in-flight request gauge.
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if route == "" {
				route = unmatchedRoute
			}

			if gauge, ok := probes[route]; ok {
				err := next(c)
				if gauge != nil {
					gauge.Set(up(c.Response().Status))
				}
				return err
			}

			metrics.HTTPRequestsInFlight.Inc()
			defer metrics.HTTPRequestsInFlight.Dec()

			start := time.Now()
			if err := next(c); err != nil {
				// Let echo write the error so the final status is known.
				c.Error(err)
			}

			labels := prometheus.Labels{
				"method": c.Request().Method,
				"path":   route,
				"status": strconv.Itoa(c.Response().Status),
			}
			metrics.HTTPRequestDuration.With(labels).Observe(time.Since(start).Seconds())
			metrics.HTTPRequestsTotal.With(labels).Inc()

			return nil
		}
	}
}

func up(status int) float64 {
	if status >= 200 && status < 300 {
		return 1
	}
	return 0
}

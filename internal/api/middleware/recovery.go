package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/donaldgifford/market-ledger/internal/metrics"
)

const panicStackSize = 4 << 10

// Recovery turns a handler panic into a 500. The panic is counted, logged
// with its stack and marked on the request span.
func Recovery(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				reportPanic(c, log, fmt.Sprint(r))
				if c.Response().Committed {
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
			}()
			return next(c)
		}
	}
}

func reportPanic(c echo.Context, log *slog.Logger, value string) {
	metrics.HTTPPanicsTotal.Inc()

	span := trace.SpanFromContext(c.Request().Context())
	span.SetStatus(codes.Error, "panic")
	span.AddEvent("panic", trace.WithAttributes(attribute.String("panic.value", value)))

	stack := make([]byte, panicStackSize)
	stack = stack[:runtime.Stack(stack, false)]

	req := c.Request()
	log.Error("panic recovered",
		"error", value,
		"method", req.Method,
		"path", req.URL.Path,
		"request_id", c.Get("request_id"),
		"stack", string(stack),
	)
}

package http

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/taskgraph/internal/http"

// HTTPMetrics holds the request instruments. Any of them may be nil when
// the meter refused to create it.
type HTTPMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	sizes    metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

func NewHTTPMetrics(mp metric.MeterProvider, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := mp.Meter(httpInstrumentationName)
	m := &HTTPMetrics{}

	var e1, e2, e3, e4 error
	m.requests, e1 = meter.Int64Counter("taskgraph.http.requests_total",
		metric.WithDescription("Requests by method, route and status"), metric.WithUnit("{request}"))
	m.latency, e2 = meter.Float64Histogram("taskgraph.http.request_duration_seconds",
		metric.WithDescription("Request latency by method, route and status"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.25, 1, 2.5, 10))
	m.sizes, e3 = meter.Int64Histogram("taskgraph.http.response_size_bytes",
		metric.WithDescription("Response body size"), metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144, 1048576))
	m.inFlight, e4 = meter.Int64UpDownCounter("taskgraph.http.active_requests",
		metric.WithDescription("Requests being served"), metric.WithUnit("{request}"))
	if err := errors.Join(e1, e2, e3, e4); err != nil {
		logger.Warn("some http instruments are disabled", zap.Error(err))
	}
	return m
}

// MetricsMiddleware labels requests by route pattern, such as
// /api/v1/tasks/:id, so task ids never become label values.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.sizes != nil {
				m.sizes.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

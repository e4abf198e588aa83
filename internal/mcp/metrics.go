package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/auditor"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/taskgraph/internal/mcp"

// Metrics counts tool calls by tool and, for failures, by reason. The
// instruments fall back to no-ops when registration fails.
type Metrics struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	seconds  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func NewMetrics(mp metric.MeterProvider, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := mp.Meter(instrumentationName)
	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	m := &Metrics{}
	var err error
	m.calls, err = meter.Int64Counter("taskgraph.mcp.tool.invocations_total",
		metric.WithDescription("Tool calls handled"), metric.WithUnit("{invocation}"))
	keep(err)
	m.failures, err = meter.Int64Counter("taskgraph.mcp.tool.errors_total",
		metric.WithDescription("Tool calls that returned an error, by reason"), metric.WithUnit("{error}"))
	keep(err)
	m.seconds, err = meter.Float64Histogram("taskgraph.mcp.tool.duration_seconds",
		metric.WithDescription("Tool call latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30))
	keep(err)
	m.inFlight, err = meter.Int64UpDownCounter("taskgraph.mcp.tool.active_requests",
		metric.WithDescription("Tool calls in progress"), metric.WithUnit("{request}"))
	keep(err)

	if len(errs) > 0 {
		logger.Warn("some mcp instruments are disabled", zap.Error(errors.Join(errs...)))
	}
	return m
}

// Begin marks a call to tool as in flight. The returned func ends it and
// records the outcome.
func (m *Metrics) Begin(ctx context.Context, tool string) func(err error) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	start := time.Now()
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.seconds != nil {
			m.seconds.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", categorizeError(err)),
			))
		}
	}
}

// categorizeError reduces err to a bounded label set: the task error kind,
// the auditor failure kind, timeout, canceled or internal_error.
func categorizeError(err error) string {
	if err == nil {
		return ""
	}
	if name := task.KindName(err); name != "" {
		return name
	}
	if k := auditor.KindOf(err); k != "" {
		return "auditor_" + string(k)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "internal_error"
}

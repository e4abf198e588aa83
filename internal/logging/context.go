package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx: the OpenTelemetry span,
// the engine session, the task and lease being worked on, and the request.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if v := SessionIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("session.id", v))
	}
	if v := TaskIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("task.id", v))
	}
	if v := LeaseOwnerFromContext(ctx); v != "" {
		fields = append(fields, zap.String("lease.owner", v))
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	return fields
}

type (
	sessionCtxKey struct{}
	taskCtxKey    struct{}
	ownerCtxKey   struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

const maxIDLen = 128

// idPattern matches task ids, lease owners and request ids.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

func validateID(id, name string) error {
	switch {
	case id == "":
		return fmt.Errorf("%s cannot be empty", name)
	case !utf8.ValidString(id):
		return fmt.Errorf("%s contains invalid UTF-8", name)
	case len(id) > maxIDLen:
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	case !idPattern.MatchString(id):
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}

// ValidID reports whether id can be attached to a context without panicking.
func ValidID(id string) bool {
	return validateID(id, "id") == nil
}

func withID(ctx context.Context, key any, id, name string) context.Context {
	if err := validateID(id, name); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, key, id)
}

func stringValue(ctx context.Context, key any) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithSessionID adds the engine session id to ctx. Panics on an invalid id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return withID(ctx, sessionCtxKey{}, id, "session id")
}

// SessionIDFromContext returns the session id, or "".
func SessionIDFromContext(ctx context.Context) string {
	return stringValue(ctx, sessionCtxKey{})
}

// WithTaskID adds a task id to ctx. Panics on an invalid id.
func WithTaskID(ctx context.Context, id string) context.Context {
	return withID(ctx, taskCtxKey{}, id, "task id")
}

// TaskIDFromContext returns the task id, or "".
func TaskIDFromContext(ctx context.Context) string {
	return stringValue(ctx, taskCtxKey{})
}

// WithLeaseOwner adds a lease owner to ctx. Panics on an invalid owner.
func WithLeaseOwner(ctx context.Context, owner string) context.Context {
	return withID(ctx, ownerCtxKey{}, owner, "lease owner")
}

// LeaseOwnerFromContext returns the lease owner, or "".
func LeaseOwnerFromContext(ctx context.Context) string {
	return stringValue(ctx, ownerCtxKey{})
}

// WithRequestID adds a request id to ctx. Panics on an invalid id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey{}, id, "request id")
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestCtxKey{})
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}

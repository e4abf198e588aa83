package logging

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the daemon's structured logger. Its level methods take a
// context and prepend the request, task and trace identifiers stored there.
type Logger struct {
	zap    *zap.Logger
	config *Config
}

// NewLogger builds the configured outputs. A nil otelProvider disables the
// otel output even when cfg lists it.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	core, err := newCore(cfg, otelProvider, nil)
	if err != nil {
		return nil, fmt.Errorf("build log core: %w", err)
	}
	return build(core, cfg), nil
}

func build(core zapcore.Core, cfg *Config) *Logger {
	opts := make([]zap.Option, 0, 2)
	if cfg.Caller.Enabled {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(cfg.Caller.Skip))
	}
	if lvl := cfg.Stacktrace.Level; lvl != 0 {
		opts = append(opts, zap.AddStacktrace(lvl))
	}
	base := zap.New(core, opts...)
	if n := len(cfg.Fields); n > 0 {
		static := make([]zap.Field, 0, n)
		for k, v := range cfg.Fields {
			static = append(static, zap.String(k, v))
		}
		base = base.With(static...)
	}
	return &Logger{zap: base, config: cfg}
}

// Nop discards everything. Tests and optional components default to it.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = encodeLevel
	switch format {
	case "console":
		return zapcore.NewConsoleEncoder(ec)
	default:
		return zapcore.NewJSONEncoder(ec)
	}
}

// encodeLevel spells TraceLevel as "trace"; zap would print "Level(-2)".
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

func (l *Logger) log(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	if ce := l.zap.Check(lvl, msg); ce != nil {
		ce.Write(append(ContextFields(ctx), fields...)...)
	}
}

func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, TraceLevel, msg, fields)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields)
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.FatalLevel, msg, fields)
}

func (l *Logger) derive(z *zap.Logger) *Logger {
	return &Logger{zap: z, config: l.config}
}

func (l *Logger) With(fields ...zap.Field) *Logger { return l.derive(l.zap.With(fields...)) }

func (l *Logger) Named(name string) *Logger { return l.derive(l.zap.Named(name)) }

func (l *Logger) Enabled(level zapcore.Level) bool { return l.zap.Core().Enabled(level) }

// Sync flushes buffered output. EINVAL and ENOTTY from syncing a terminal or
// pipe are swallowed.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}

// Underlying exposes the zap logger for packages that accept *zap.Logger,
// such as the orchestrator and worker pool. Context fields are not added to
// entries written through it.
func (l *Logger) Underlying() *zap.Logger {
	if c := l.config; c != nil && c.Caller.Enabled && c.Caller.Skip > 0 {
		return l.zap.WithOptions(zap.AddCallerSkip(-c.Caller.Skip))
	}
	return l.zap
}

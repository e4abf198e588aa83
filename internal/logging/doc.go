// Package logging provides structured logging for taskgraph on top of zap.
//
// # Overview
//
// The Logger adds to zap:
//   - a Trace level below Debug
//   - stdout or stderr output, optionally teed to OpenTelemetry (otelzap)
//   - correlation fields taken from the context: trace_id, session.id,
//     task.id, lease.owner, request.id
//   - key and pattern based secret redaction at the encoder
//   - per-level sampling; Error and above are never sampled
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	if err := appCfg.Unmarshal("logging", cfg); err != nil { ... }
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	defer logger.Sync()
//
//	ctx = logging.WithTaskID(ctx, "T1")
//	ctx = logging.WithLeaseOwner(ctx, "worker-0")
//	logger.Info(ctx, "task started")
//
// Components that take a *zap.Logger receive Underlying(); their entries
// are redacted and sampled but carry no context fields.
//
// # MCP over stdio
//
// stdout carries the protocol stream when the MCP surface runs on stdio.
// Use Config.ForStdio to move console output to stderr.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "checkpoint appended", zap.Int64("seq", 3))
//	tl.AssertLogged(t, zapcore.InfoLevel, "checkpoint appended")
//	tl.AssertField(t, "checkpoint appended", "seq", int64(3))
//	tl.AssertNoSecrets(t)
package logging

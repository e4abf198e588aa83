// Package telemetry wires OpenTelemetry tracing and metrics for taskgraph.
//
// Spans are opened by the orchestrator, the verification gate, the auditor
// registry and the stores through the global tracer provider, which New
// installs when export is enabled. Metrics from the HTTP middleware go
// through the meter provider.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc          # or http/protobuf
//	  sampling:
//	    rate: 1.0
//	  metrics:
//	    export_interval: 15s
//
// Telemetry failures degrade the instance instead of failing startup; see
// Health. Tests use NewTestTelemetry, which records into memory.
package telemetry

// Package telemetry wires OpenTelemetry tracing and metrics plus the
// Prometheus dispatch registry. Tracing exports through OTLP/gRPC when an
// endpoint is configured; node execution metrics go through the global otel
// meter so tests can attach a manual reader.
package telemetry

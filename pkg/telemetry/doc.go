// Package telemetry wires OpenTelemetry tracing and metrics plus the Prometheus
// collectors served on /metrics.
//
// It centralises trace provider setup, records per-node execution metrics, and
// strips prompt and output text from span attributes unless a redaction rule
// explicitly keeps a masked or hashed form.
package telemetry

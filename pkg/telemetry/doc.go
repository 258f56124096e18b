// Package telemetry wires OpenTelemetry tracing and metric instruments and a
// Prometheus registry for the assessment service.
//
// The guardrail, sampling and evaluation stages record counters through the
// package-level helpers; the HTTP server exposes the Prometheus registry,
// which also carries gauges for the latest quality snapshot.
package telemetry

// Package telemetry provides structured logging, metrics and distributed
// tracing for the Strata engine.
//
// Logging is built on zerolog, metrics on Prometheus and tracing on
// OpenTelemetry. All three are configured through a single Config and are
// individually optional; disabled subsystems return no-op instances so
// callers never need nil checks at call sites.
package telemetry

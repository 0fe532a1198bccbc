// Package observability provides an OpenTelemetry metrics extension for
// taskhost. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for item enqueue, completion and failure, scheduled
// job firings and skips, lost leases and swept items.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability

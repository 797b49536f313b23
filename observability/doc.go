// Package observability provides an OpenTelemetry-based metrics hook.
// The MetricsHook implements lifecycle hook interfaces to record
// system-wide counters for job enqueue, completion, failure, retry, and
// dead-letter events, plus batch consumer flush/failure counts.
//
// For per-execution tracing and latency histograms, see the middleware
// package: middleware.Tracing() and middleware.Metrics().
package observability

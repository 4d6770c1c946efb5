// Package telemetry provides structured logging, Prometheus metrics, and the
// machine-readable run event stream for tideway.
//
// The event stream is a pure sink: subscribers observe play, task, and host
// lifecycle events but nothing feeds back into play execution.
package telemetry

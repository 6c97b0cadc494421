// Package metrics provides an observability framework for gitup sync runs.
//
// # Design Philosophy
//
// This package implements the Null Object pattern to enable metrics collection
// without requiring explicit nil checks throughout the codebase. By default,
// all components use NoopRecorder which implements the Recorder interface with
// no-op methods that inline to nothing at compile time.
//
// # Architecture
//
// The metrics system has three components:
//
//  1. Recorder interface - Defines all metrics operations
//  2. NoopRecorder - Default implementation that does nothing (zero overhead)
//  3. PrometheusRecorder - Real implementation, gathered and dumped as text
//
// # Usage Pattern
//
// The orchestrator (internal/sync, C11) receives a Recorder as a parameter
// of sync.Run; a nil Recorder is replaced by NoopRecorder:
//
//	var rec metrics.Recorder = metrics.NoopRecorder{} // Default: no metrics
//	result, err := sync.Run(ctx, opts, logger, rec, time.Now())
//
// # Activation
//
// Running with -V (verbose) swaps NoopRecorder for a real implementation:
//
//	reg := prom.NewRegistry()
//	rec = metrics.NewPrometheusRecorder(reg)
//	// ... sync.Run(ctx, opts, logger, rec, time.Now()) ...
//	mfs, _ := reg.Gather()
//	enc := expfmt.NewEncoder(os.Stderr, expfmt.NewFormat(expfmt.TypeTextPlain))
//	enc.Encode(mfs[i]) // dumped once, not served
//
// gitup has no long-lived process to scrape: metrics exist to summarize a
// single clone/pull/repair invocation, so they are written to stderr at exit
// rather than exposed over HTTP.
package metrics

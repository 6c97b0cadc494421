// Package ferr provides foundational, type-safe error primitives used across gitup.
//
// This package contains classified error types and helpers for robust error handling,
// including a fluent builder API for constructing ClassifiedError values with context.
//
// Key features:
//   - ErrorCategory: the error kinds from the wire-protocol/pack/tree pipeline
//     (config, transport, HTTP status/framing, protocol, pack corruption, delta,
//     storage, repair)
//   - ErrorSeverity: impact level (error, warning, info, fatal)
//   - RetryStrategy: retry behavior (never, immediate, backoff)
//   - ClassifiedError: structured error with category, severity, and context
//   - ErrorBuilder: fluent API for creating classified errors
//   - CLIErrorAdapter: maps a ClassifiedError to an exit code and a printed message
//
// Example usage:
//
//	err := ferr.NewError(ferr.CategoryPackCorrupt, "trailer mismatch").
//		WithContext("offset", off).
//		Build()
package ferr

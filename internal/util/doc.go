// Package util provides utility functions and types shared across the
// gateway.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrContractViolation.
//   - Structured error types for context-rich errors that carry
//     additional fields (ConfigError, ContractViolationError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// # Context Helpers
//
// The request start time travels in the request context:
//
//	ctx = util.ContextWithStartTime(ctx, time.Now())
//	elapsed := util.ElapsedTime(ctx)
//
// # HTTP Utilities
//
// StatusCapturingResponseWriter records the status code written by a
// handler so middleware can inspect it afterwards.
package util

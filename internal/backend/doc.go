// Package backend provides the outbound HTTP transport used to reach
// aggregation backends.
//
// A Client wraps a pooled http.Client and adds:
//
//   - hop-by-hop header stripping and X-Forwarded-* headers
//   - an optional per-host circuit breaker (sony/gobreaker)
//   - optional retry with exponential backoff for transport errors on
//     idempotent methods (cenkalti/backoff)
//
// Redirects are never followed; a 3xx response is returned as-is.
//
//	client := backend.NewClientFromConfig(cfg.Transport,
//	    backend.WithLogger(logger),
//	    backend.WithMetrics(metrics),
//	)
//	resp, err := client.Do(req)
package backend

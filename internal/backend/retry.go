package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetrySettings configures transport-level retries.
// MaxRetries of zero disables retrying.
type RetrySettings struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Enabled reports whether retries are configured.
func (s RetrySettings) Enabled() bool {
	return s.MaxRetries > 0
}

// newBackOff builds the backoff policy for one request. The request
// context bounds the total time spent retrying.
func (s RetrySettings) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if s.InitialBackoff > 0 {
		exp.InitialInterval = s.InitialBackoff
	}
	if s.MaxBackoff > 0 {
		exp.MaxInterval = s.MaxBackoff
	}
	exp.MaxElapsedTime = 0

	return backoff.WithContext(
		backoff.WithMaxRetries(exp, uint64(s.MaxRetries)), //nolint:gosec // validated non-negative
		ctx,
	)
}

// isIdempotent reports whether a request with this method may be replayed.
func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace,
		http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

package middleware

import (
	"io"
	"net/http"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/fanoutgw/internal/config"
	"github.com/vyrodovalexey/fanoutgw/internal/observability"
)

// RateLimiter is a gateway-wide token bucket.
type RateLimiter struct {
	limiter  *rate.Limiter
	disabled atomic.Bool
}

// NewRateLimiter creates a rate limiter admitting rps requests per second
// with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// NewRateLimiterFromConfig creates a limiter from configuration. A
// disabled configuration yields a limiter that admits everything until
// Apply enables it.
func NewRateLimiterFromConfig(cfg config.RateLimitConfig) *RateLimiter {
	rl := NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst)
	rl.disabled.Store(!cfg.Enabled)
	return rl
}

// Allow reports whether one more request may proceed now.
func (rl *RateLimiter) Allow() bool {
	if rl == nil || rl.disabled.Load() {
		return true
	}
	return rl.limiter.Allow()
}

// Update applies a new rate and burst without resetting the bucket.
func (rl *RateLimiter) Update(rps float64, burst int) {
	if rl == nil {
		return
	}
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}

// Apply switches the limiter to cfg.
func (rl *RateLimiter) Apply(cfg config.RateLimitConfig) {
	if cfg.Enabled {
		rl.Update(cfg.RequestsPerSecond, cfg.Burst)
	}
	rl.disabled.Store(!cfg.Enabled)
}

// RateLimit returns a middleware that rejects requests over the limit
// with 429. A nil limiter admits everything.
func RateLimit(rl *RateLimiter, logger observability.Logger, metrics *observability.Metrics) Middleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow() {
				metrics.RecordRateLimitRejected()
				logger.WithContext(r.Context()).Warn("rate limit exceeded",
					observability.String("path", r.URL.Path),
					observability.String("remote_addr", r.RemoteAddr),
				)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, `{"error":"rate limit exceeded"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

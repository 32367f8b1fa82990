package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/fanoutgw/internal/observability"
	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

// Logging returns a middleware that logs every inbound request and
// records it in metrics. Both logger and metrics may be nil.
func Logging(logger observability.Logger, metrics *observability.Metrics) Middleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(util.ContextWithStartTime(r.Context(), time.Now()))

			rw := util.NewStatusCapturingResponseWriter(w)
			next.ServeHTTP(rw, r)

			duration := util.ElapsedTime(r.Context())
			metrics.RecordHTTPRequest(r.Method, rw.StatusCode, duration)

			//nolint:contextcheck // request context carries the request ID
			logger.WithContext(r.Context()).Info("http request",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("query", r.URL.RawQuery),
				observability.Int("status", rw.StatusCode),
				observability.Int("size", rw.Size),
				observability.Duration("duration", duration),
				observability.String("remote_addr", r.RemoteAddr),
				observability.String("user_agent", r.UserAgent()),
			)
		})
	}
}

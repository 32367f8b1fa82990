package middleware

import (
	"io"
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/fanoutgw/internal/observability"
)

// Recovery returns a middleware that recovers from panics and answers
// with a JSON 500.
func Recovery(logger observability.Logger) Middleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				//nolint:errorlint // sentinel comparison against the stdlib abort value
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.WithContext(r.Context()).Error("panic recovered",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
					observability.Any("error", rec),
					observability.String("stack", string(debug.Stack())),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, `{"error":"internal server error"}`)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

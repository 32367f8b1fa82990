package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/fanoutgw/internal/observability"
)

// RequestIDHeader is the header name for request ID.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength bounds accepted inbound request IDs.
const maxRequestIDLength = 128

// RequestID returns a middleware that adds a request ID to each request.
func RequestID() Middleware {
	return RequestIDWithGenerator(func() string {
		return uuid.New().String()
	})
}

// RequestIDWithGenerator returns a middleware that uses a custom ID generator.
// A well-formed inbound X-Request-ID is kept as is.
func RequestIDWithGenerator(generator func() string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if !validRequestID(requestID) {
				requestID = generator()
				r.Header.Set(RequestIDHeader, requestID)
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

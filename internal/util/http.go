package util

import (
	"fmt"
	"net/http"
)

// ServerError signals that a backend answered with a 5xx status. Circuit
// breakers count it as a failure while the response itself is still used.
type ServerError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// NewServerError creates a new ServerError with the given status code.
func NewServerError(statusCode int) *ServerError {
	return &ServerError{StatusCode: statusCode}
}

// StatusCapturingResponseWriter wraps http.ResponseWriter to track the
// status code and the number of body bytes written.
type StatusCapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode    int
	Size          int
	HeaderWritten bool
}

// NewStatusCapturingResponseWriter creates a new StatusCapturingResponseWriter
// wrapping the provided http.ResponseWriter with a default status of 200 OK.
func NewStatusCapturingResponseWriter(w http.ResponseWriter) *StatusCapturingResponseWriter {
	return &StatusCapturingResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code and writes it to the underlying ResponseWriter.
func (w *StatusCapturingResponseWriter) WriteHeader(code int) {
	if w.HeaderWritten {
		return
	}
	w.StatusCode = code
	w.HeaderWritten = true
	w.ResponseWriter.WriteHeader(code)
}

// Write writes data to the underlying ResponseWriter.
func (w *StatusCapturingResponseWriter) Write(b []byte) (int, error) {
	w.HeaderWritten = true
	n, err := w.ResponseWriter.Write(b)
	w.Size += n
	return n, err
}

// Flush implements http.Flusher for streamed passthrough bodies.
func (w *StatusCapturingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var _ http.Flusher = (*StatusCapturingResponseWriter)(nil)

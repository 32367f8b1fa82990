package aggregate

import (
	"io"
	"net/http"
	"strconv"
)

const contentTypeJSON = "application/json"

// Response is the single outgoing response for an inbound request.
// Synthesized shapes carry Body; passthrough carries Stream instead.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

func jsonResponse(status int, body []byte) *Response {
	h := make(http.Header)
	h.Set("Content-Type", contentTypeJSON)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{StatusCode: status, Header: h, Body: body}
}

// WriteTo writes the response to w and closes Stream, if any.
func (r *Response) WriteTo(w http.ResponseWriter) error {
	dst := w.Header()
	for k, v := range r.Header {
		dst[k] = append([]string(nil), v...)
	}
	w.WriteHeader(r.StatusCode)

	if r.Stream != nil {
		defer r.Stream.Close()
		_, err := io.Copy(w, r.Stream)
		return err
	}

	_, err := w.Write(r.Body)
	return err
}

// Close releases an unwritten stream.
func (r *Response) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

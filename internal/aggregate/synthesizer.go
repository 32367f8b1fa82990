package aggregate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

// Shape identifies which outgoing response was built.
type Shape int

// Response shapes, in decision order.
const (
	ShapeMetadata Shape = iota
	ShapePassthrough
	ShapePriorityError
	ShapeGenericError
	ShapeAggregated
	ShapePartialTimeout
)

// String returns the metrics label for the shape.
func (s Shape) String() string {
	switch s {
	case ShapeMetadata:
		return "metadata"
	case ShapePassthrough:
		return "passthrough"
	case ShapePriorityError:
		return "priority_error"
	case ShapeGenericError:
		return "backend_error"
	case ShapeAggregated:
		return "aggregated"
	case ShapePartialTimeout:
		return "partial_timeout"
	default:
		return "unknown"
	}
}

// Synthesizer builds exactly one outgoing response from the fan-out slots.
type Synthesizer struct {
	priorityErrors []int
	maxBodyBytes   int64
	passthrough    bool
}

// NewSynthesizer creates a synthesizer. priorityErrors is ordered from
// highest to lowest priority. A maxBodyBytes of zero or less buffers
// bodies without limit. passthrough enables verbatim responses for
// single-identifier requests.
func NewSynthesizer(priorityErrors []int, maxBodyBytes int64, passthrough bool) *Synthesizer {
	return &Synthesizer{
		priorityErrors: append([]int(nil), priorityErrors...),
		maxBodyBytes:   maxBodyBytes,
		passthrough:    passthrough,
	}
}

// Synthesize selects the response shape and builds the response. Only a
// *util.ContractViolationError or a JSON encoding failure is returned as
// an error; backend failures are always expressed in the response.
func (s *Synthesizer) Synthesize(mode Mode, slots []Slot) (*Response, Shape, error) {
	if mode == ModeMetadata {
		resp, err := s.metadata(slots)
		return resp, ShapeMetadata, err
	}

	if s.passthrough && len(slots) == 1 && slots[0].Completed() {
		resp, err := passthrough(slots[0].Envelope())
		return resp, ShapePassthrough, err
	}

	if status, ok := s.priorityStatus(slots); ok {
		resp, err := s.errorResponse(status, ShapePriorityError, slots, s.isPriority)
		return resp, ShapePriorityError, err
	}

	if status, ok := genericStatus(slots); ok {
		resp, err := s.errorResponse(status, ShapeGenericError, slots, isErrorStatus)
		return resp, ShapeGenericError, err
	}

	return s.aggregated(slots)
}

type metadataEntry struct {
	URL     string            `json:"url"`
	Status  string            `json:"status"`
	Headers map[string]string `json:"headers"`
}

func (s *Synthesizer) metadata(slots []Slot) (*Response, error) {
	entries := make([]*metadataEntry, len(slots))
	for i := range slots {
		env := slots[i].Envelope()
		if env == nil {
			continue
		}
		entries[i] = &metadataEntry{
			URL:     slots[i].URL,
			Status:  env.Status,
			Headers: flattenHeader(env.Header),
		}
	}

	body, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return jsonResponse(http.StatusOK, body), nil
}

func passthrough(env *Envelope) (*Response, error) {
	stream, err := env.Body.Stream()
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: env.StatusCode,
		Header:     env.Header.Clone(),
		Stream:     stream,
	}, nil
}

func (s *Synthesizer) isPriority(status int) bool {
	for _, code := range s.priorityErrors {
		if code == status {
			return true
		}
	}
	return false
}

// priorityStatus returns the first listed status encountered in slot
// order among the completed slots.
func (s *Synthesizer) priorityStatus(slots []Slot) (int, bool) {
	for i := range slots {
		env := slots[i].Envelope()
		if env != nil && s.isPriority(env.StatusCode) {
			return env.StatusCode, true
		}
	}
	return 0, false
}

func isErrorStatus(status int) bool {
	return status >= http.StatusBadRequest
}

// genericStatus returns the shared error status when every erroring slot
// agrees, otherwise 502 if any error is a 5xx, else 400.
func genericStatus(slots []Slot) (int, bool) {
	common, found, anyServer, mixed := 0, false, false, false
	for i := range slots {
		if !slots[i].Completed() || !isErrorStatus(slots[i].Envelope().StatusCode) {
			continue
		}
		code := slots[i].Envelope().StatusCode
		if code >= http.StatusInternalServerError {
			anyServer = true
		}
		if !found {
			common, found = code, true
		} else if code != common {
			mixed = true
		}
	}

	switch {
	case !found:
		return 0, false
	case !mixed:
		return common, true
	case anyServer:
		return http.StatusBadGateway, true
	default:
		return http.StatusBadRequest, true
	}
}

type errorBody struct {
	Status         int          `json:"status"`
	Reason         string       `json:"reason"`
	PriorityErrors []int        `json:"priority_errors"`
	Errors         []*bodyEntry `json:"errors"`
}

func (s *Synthesizer) errorResponse(status int, shape Shape, slots []Slot, include func(int) bool) (*Response, error) {
	out := errorBody{
		Status:         status,
		Reason:         shape.String(),
		PriorityErrors: s.priorityErrors,
		Errors:         []*bodyEntry{},
	}
	if out.PriorityErrors == nil {
		out.PriorityErrors = []int{}
	}

	for i := range slots {
		env := slots[i].Envelope()
		if env == nil || !(include(env.StatusCode) || isErrorStatus(env.StatusCode)) {
			continue
		}
		entry, err := s.entry(&slots[i], false)
		if err != nil {
			return nil, err
		}
		out.Errors = append(out.Errors, entry)
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return jsonResponse(status, body), nil
}

// bodyEntry describes one completed backend response with its body.
type bodyEntry struct {
	URL          string            `json:"url"`
	Status       string            `json:"status"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	BodyEncoding string            `json:"body_encoding,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func (s *Synthesizer) aggregated(slots []Slot) (*Response, Shape, error) {
	shape := ShapeAggregated
	entries := make([]*bodyEntry, len(slots))

	for i := range slots {
		if !slots[i].Completed() {
			shape = ShapePartialTimeout
			continue
		}
		entry, err := s.entry(&slots[i], true)
		if err != nil {
			return nil, shape, err
		}
		entries[i] = entry
	}

	body, err := json.Marshal(entries)
	if err != nil {
		return nil, shape, err
	}

	status := http.StatusOK
	if shape == ShapePartialTimeout {
		status = http.StatusGatewayTimeout
	}
	return jsonResponse(status, body), shape, nil
}

func (s *Synthesizer) entry(slot *Slot, withHeaders bool) (*bodyEntry, error) {
	env := slot.Envelope()
	entry := &bodyEntry{URL: slot.URL, Status: env.Status}
	if withHeaders {
		entry.Headers = flattenHeader(env.Header)
	}

	data, err := env.Body.Bytes(s.maxBodyBytes)
	switch {
	case util.IsContractViolation(err):
		return nil, err
	case errors.Is(err, ErrBodyTooLarge):
		entry.Error = ErrBodyTooLarge.Error()
		return entry, nil
	case err != nil:
		entry.Error = "reading response body: " + err.Error()
		return entry, nil
	}

	entry.Body, entry.BodyEncoding = encodeBody(env.Header.Get("Content-Type"), data)
	return entry, nil
}

// encodeBody embeds JSON bodies as JSON, UTF-8 text as a string and
// anything else as base64.
func encodeBody(contentType string, data []byte) (json.RawMessage, string) {
	if isJSONContentType(contentType) && json.Valid(data) {
		return json.RawMessage(data), ""
	}
	if utf8.Valid(data) {
		encoded, _ := json.Marshal(string(data))
		return encoded, ""
	}
	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(data))
	return encoded, "base64"
}

func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == contentTypeJSON || strings.HasSuffix(mediaType, "+json")
}

// flattenHeader joins repeated header values with ", ".
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

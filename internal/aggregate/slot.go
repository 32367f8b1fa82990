package aggregate

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

// ErrBodyTooLarge is returned by Body.Bytes when the body exceeds the limit.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Reason records why a slot holds no response. It is used for logging
// and metrics only; every no-response slot is synthesized the same way.
type Reason string

// No-response reasons.
const (
	ReasonTimeout     Reason = "timeout"
	ReasonTransport   Reason = "transport_error"
	ReasonCircuitOpen Reason = "circuit_open"
	ReasonCanceled    Reason = "canceled"
)

// Outcome is the result held by a slot: either an *Envelope or a
// *NoResponse.
type Outcome interface {
	outcome()
}

// Slot holds the outcome for one requested identifier. Build slots with
// CompletedSlot or NoResponseSlot so exactly one outcome is set.
type Slot struct {
	ID      string
	URL     string
	outcome Outcome
}

// CompletedSlot returns a slot holding a backend response.
func CompletedSlot(id, url string, env *Envelope) Slot {
	return Slot{ID: id, URL: url, outcome: env}
}

// NoResponseSlot returns a slot for a backend that did not answer.
func NoResponseSlot(id, url string, nr *NoResponse) Slot {
	return Slot{ID: id, URL: url, outcome: nr}
}

// Outcome returns the slot outcome, nil while the slot is pending.
func (s *Slot) Outcome() Outcome {
	return s.outcome
}

// Completed reports whether the backend answered.
func (s *Slot) Completed() bool {
	_, ok := s.outcome.(*Envelope)
	return ok
}

// Envelope returns the backend response, or nil for a no-response slot.
func (s *Slot) Envelope() *Envelope {
	env, _ := s.outcome.(*Envelope)
	return env
}

// NoResponse returns the no-response sentinel, or nil for a completed slot.
func (s *Slot) NoResponse() *NoResponse {
	nr, _ := s.outcome.(*NoResponse)
	return nr
}

// NoResponse is the sentinel for a backend that did not answer in time.
type NoResponse struct {
	Reason Reason
	Err    error
}

func (*NoResponse) outcome() {}

// Envelope is a completed backend response.
type Envelope struct {
	StatusCode int
	// Status is the status line, for example "200 OK".
	Status string
	Header http.Header
	Body   *Body
}

func (*Envelope) outcome() {}

// newEnvelope takes ownership of resp.Body.
func newEnvelope(resp *http.Response) *Envelope {
	return &Envelope{
		StatusCode: resp.StatusCode,
		Status:     statusLine(resp.StatusCode, resp.Status),
		Header:     resp.Header,
		Body:       NewBody(resp.Body),
	}
}

func statusLine(code int, status string) string {
	prefix := strconv.Itoa(code)
	if strings.HasPrefix(status, prefix+" ") {
		return status
	}
	if text := http.StatusText(code); text != "" {
		return prefix + " " + text
	}
	return prefix
}

type bodyState int

const (
	bodyUnread bodyState = iota
	bodyBuffered
	bodyStreamed
	bodyClosed
)

// Body is a lazily read backend response body. It is consumed exactly
// once, either buffered with Bytes or handed off with Stream. Mixing the
// two, or streaming twice, is a *util.ContractViolationError.
type Body struct {
	mu    sync.Mutex
	rc    io.ReadCloser
	state bodyState
	data  []byte
	err   error
}

// NewBody wraps a response body. A nil reader is treated as empty.
func NewBody(rc io.ReadCloser) *Body {
	if rc == nil {
		rc = http.NoBody
	}
	return &Body{rc: rc}
}

// Bytes reads and closes the body, buffering at most limit bytes; a
// limit of zero or less means unlimited. Later calls return the same
// result. ErrBodyTooLarge is returned when the body is longer than limit.
func (b *Body) Bytes(limit int64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case bodyBuffered:
		return b.data, b.err
	case bodyStreamed:
		return nil, util.NewContractViolationError("body.bytes", "body was already handed off as a stream")
	case bodyClosed:
		return nil, util.NewContractViolationError("body.bytes", "body is closed")
	}

	b.state = bodyBuffered
	defer b.rc.Close()

	var r io.Reader = b.rc
	if limit > 0 {
		r = io.LimitReader(b.rc, limit+1)
	}
	data, err := io.ReadAll(r)
	switch {
	case err != nil:
		b.err = err
	case limit > 0 && int64(len(data)) > limit:
		b.err = ErrBodyTooLarge
	default:
		b.data = data
	}
	return b.data, b.err
}

// Stream hands the body off to the caller, who must close it.
func (b *Body) Stream() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case bodyStreamed:
		return nil, util.NewContractViolationError("body.stream", "body was already handed off as a stream")
	case bodyBuffered:
		return nil, util.NewContractViolationError("body.stream", "body was already buffered")
	case bodyClosed:
		return nil, util.NewContractViolationError("body.stream", "body is closed")
	}

	b.state = bodyStreamed
	return b.rc, nil
}

// Close releases an unread body. It is a no-op once the body was
// buffered or handed off.
func (b *Body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != bodyUnread {
		return nil
	}
	b.state = bodyClosed
	return b.rc.Close()
}

// closeSlots releases every unread body.
func closeSlots(slots []Slot) {
	for i := range slots {
		if env := slots[i].Envelope(); env != nil {
			_ = env.Body.Close()
		}
	}
}

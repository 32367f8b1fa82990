package aggregate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/fanoutgw/internal/backend"
	"github.com/vyrodovalexey/fanoutgw/internal/observability"
	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

// Dispatcher sends one backend request per target concurrently and waits
// for all of them, bounded by a batch timeout.
type Dispatcher struct {
	client          backend.Doer
	logger          observability.Logger
	metrics         *observability.Metrics
	tracer          *observability.Tracer
	maxPayloadBytes int64
}

// DispatcherOption is a functional option for configuring a dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxPayloadBytes limits the inbound body replayed to backends. Zero
// or less means unlimited.
func WithMaxPayloadBytes(n int64) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxPayloadBytes = n
	}
}

// NewDispatcher creates a dispatcher sending requests through client.
func NewDispatcher(
	client backend.Doer,
	logger observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
	opts ...DispatcherOption,
) *Dispatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	d := &Dispatcher{
		client:  client,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type dispatchResult struct {
	index    int
	resp     *http.Response
	err      error
	duration time.Duration
}

// Batch is the outcome of one fan-out. Bodies of completed slots are
// readable until the batch deadline; reads after it fail. The owner must
// call Release once the slots are no longer needed.
type Batch struct {
	Slots  []Slot
	cancel context.CancelFunc
	stops  []func() bool
}

// Detach exempts slot i from the batch deadline and from Release. Its
// request is then released when its body is closed.
func (b *Batch) Detach(i int) {
	if i >= 0 && i < len(b.stops) {
		b.stops[i]()
	}
}

// Release closes every unread body and ends the batch.
func (b *Batch) Release() {
	closeSlots(b.Slots)
	b.cancel()
}

// Dispatch forwards the inbound request to every target and returns one
// slot per target in target order. It returns once every slot is either
// filled or marked as no response. Requests still pending at the deadline
// are cancelled with util.ErrTimeout as the cause; if they answer later
// the response is discarded.
func (d *Dispatcher) Dispatch(
	r *http.Request,
	route string,
	targets []Target,
	timeout time.Duration,
) (*Batch, error) {
	payload, err := d.readPayload(r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	batchCtx, batchCancel := context.WithTimeoutCause(ctx, timeout, util.ErrTimeout)

	n := len(targets)
	batch := &Batch{
		Slots:  make([]Slot, n),
		cancel: batchCancel,
		stops:  make([]func() bool, n),
	}
	cancels := make([]context.CancelCauseFunc, n)
	results := make(chan dispatchResult, n)

	for i, target := range targets {
		batch.Slots[i] = Slot{ID: target.ID, URL: target.URL}

		// Request contexts hang off the inbound context so a detached
		// slot survives the end of the batch.
		reqCtx, cancel := context.WithCancelCause(ctx)
		cancels[i] = cancel
		batch.stops[i] = context.AfterFunc(batchCtx, func() {
			cancel(context.Cause(batchCtx))
		})

		go func(i int, target Target) {
			start := time.Now()
			resp, err := d.send(reqCtx, r, route, target, payload)
			results <- dispatchResult{index: i, resp: resp, err: err, duration: time.Since(start)}
		}(i, target)
	}

	remaining := n

wait:
	for remaining > 0 {
		select {
		case res := <-results:
			remaining--
			d.fill(ctx, batchCtx, route, &batch.Slots[res.index], res, cancels[res.index])
		case <-batchCtx.Done():
			break wait
		}
	}

	pendingReason := batchReason(ctx)

	for i := range batch.Slots {
		slot := &batch.Slots[i]
		if slot.Outcome() != nil {
			continue
		}
		cancels[i](context.Cause(batchCtx))
		*slot = NoResponseSlot(slot.ID, slot.URL, &NoResponse{Reason: pendingReason})
		d.metrics.RecordBackend(route, slot.ID, observability.OutcomeNoResponse, 0)
		d.logNoResponse(ctx, route, *slot)
	}

	if remaining > 0 {
		go drainLate(results, remaining)
	}

	return batch, nil
}

func (d *Dispatcher) fill(
	ctx, batchCtx context.Context,
	route string,
	slot *Slot,
	res dispatchResult,
	cancel context.CancelCauseFunc,
) {
	if res.err != nil {
		cancel(nil)
		reason := ReasonTransport
		outcome := observability.OutcomeNoResponse
		switch {
		case errors.Is(res.err, util.ErrCircuitOpen):
			reason = ReasonCircuitOpen
			outcome = observability.OutcomeCircuitOpen
		case batchCtx.Err() != nil:
			reason = batchReason(ctx)
		}
		*slot = NoResponseSlot(slot.ID, slot.URL, &NoResponse{Reason: reason, Err: res.err})
		d.metrics.RecordBackend(route, slot.ID, outcome, 0)
		d.logNoResponse(ctx, route, *slot)
		return
	}

	res.resp.Body = &cancelOnClose{ReadCloser: res.resp.Body, cancel: cancel}
	*slot = CompletedSlot(slot.ID, slot.URL, newEnvelope(res.resp))
	d.metrics.RecordBackend(route, slot.ID, observability.OutcomeCompleted, res.duration)
}

func (d *Dispatcher) send(
	ctx context.Context,
	in *http.Request,
	route string,
	target Target,
	payload []byte,
) (*http.Response, error) {
	ctx, span := d.tracer.StartSpan(ctx, "aggregate.backend",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("aggregate.route", route),
			attribute.String("aggregate.endpoint_id", target.ID),
			attribute.String("http.url", target.URL),
			attribute.String("http.method", in.Method),
		),
	)
	defer span.End()

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	out, err := http.NewRequestWithContext(ctx, in.Method, target.URL, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid backend request")
		return nil, fmt.Errorf("building request for %s: %w", target.URL, err)
	}
	backend.ForwardHeaders(out, in)
	// Let the transport negotiate compression so bodies arrive decoded.
	out.Header.Del("Accept-Encoding")
	observability.InjectTraceContext(ctx, out)

	resp, err := d.client.Do(out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, resp.Status)
	}
	return resp, nil
}

// batchReason tells an inbound abort from the batch deadline.
func batchReason(ctx context.Context) Reason {
	if ctx.Err() != nil {
		return ReasonCanceled
	}
	return ReasonTimeout
}

// logNoResponse emits one error record for a slot without a response.
// It runs on its own goroutine so logging never delays the response.
func (d *Dispatcher) logNoResponse(ctx context.Context, route string, slot Slot) {
	fields := []observability.Field{
		observability.String("route", route),
		observability.String("endpoint_id", slot.ID),
		observability.String("url", slot.URL),
		observability.String("reason", string(slot.NoResponse().Reason)),
	}
	if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, observability.String("request_id", requestID))
	}
	if err := slot.NoResponse().Err; err != nil {
		fields = append(fields, observability.Error(err))
	}

	logger := d.logger
	go func() {
		defer func() { _ = recover() }()
		logger.Error("backend did not respond", fields...)
	}()
}

// drainLate closes the bodies of responses that arrive after the deadline.
func drainLate(results <-chan dispatchResult, remaining int) {
	for ; remaining > 0; remaining-- {
		res := <-results
		if res.resp != nil {
			_ = res.resp.Body.Close()
		}
	}
}

// readPayload reads the inbound body once so it can be replayed to every
// backend. A body over the limit fails with *http.MaxBytesError.
func (d *Dispatcher) readPayload(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body := r.Body
	if d.maxPayloadBytes > 0 {
		body = http.MaxBytesReader(nil, body, d.maxPayloadBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return payload, nil
}

// cancelOnClose releases the per-request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel(nil)
	return err
}

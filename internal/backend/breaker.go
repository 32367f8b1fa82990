package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/fanoutgw/internal/observability"
	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

var cbTracer = otel.Tracer("fanoutgw/circuitbreaker")

// BreakerSettings configures the per-host circuit breakers.
type BreakerSettings struct {
	// Threshold is the minimum number of requests in a window before the
	// failure ratio is evaluated.
	Threshold int
	// Timeout is how long a breaker stays open before probing.
	Timeout time.Duration
}

// breakerSet lazily creates one gobreaker per backend host.
type breakerSet struct {
	settings BreakerSettings
	logger   observability.Logger
	metrics  *observability.Metrics
	breakers sync.Map
}

func newBreakerSet(settings BreakerSettings, logger observability.Logger, metrics *observability.Metrics) *breakerSet {
	return &breakerSet{
		settings: settings,
		logger:   logger,
		metrics:  metrics,
	}
}

func (s *breakerSet) get(host string) *gobreaker.CircuitBreaker {
	if value, ok := s.breakers.Load(host); ok {
		return value.(*gobreaker.CircuitBreaker)
	}

	cb := gobreaker.NewCircuitBreaker(s.gobreakerSettings(host))
	actual, loaded := s.breakers.LoadOrStore(host, cb)
	if !loaded {
		s.logger.Debug("created circuit breaker", observability.String("host", host))
	}
	return actual.(*gobreaker.CircuitBreaker)
}

func (s *breakerSet) state(host string) gobreaker.State {
	return s.get(host).State()
}

func (s *breakerSet) gobreakerSettings(host string) gobreaker.Settings {
	threshold := safeIntToUint32(s.settings.Threshold)

	return gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    s.settings.Timeout,
		Timeout:     s.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < threshold {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.5
		},
		// An abandoned inbound request says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || isAborted(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				observability.String("host", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)

			s.metrics.RecordCircuitBreakerTransition(name, from.String(), to.String())

			_, span := cbTracer.Start(context.Background(),
				"circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.host", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()
		},
	}
}

// abortedError marks a request whose context was cancelled without a
// cause, which is how an inbound client going away shows up.
type abortedError struct {
	err error
}

func (e *abortedError) Error() string {
	return e.err.Error()
}

func (e *abortedError) Unwrap() error {
	return e.err
}

func isAborted(err error) bool {
	var aborted *abortedError
	return errors.As(err, &aborted)
}

// withCancelCause classifies a failed request by its context. A plain
// cancellation is an abort; any other cause, such as a batch timeout or
// a deadline, is attached to err and counts against the backend.
func withCancelCause(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return err
	case cause == context.Canceled:
		return &abortedError{err: err}
	case errors.Is(err, cause):
		return err
	default:
		return fmt.Errorf("%w: %w", err, cause)
	}
}

// isBreakerRejection reports whether err is gobreaker refusing the call.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// breakerError converts a gobreaker rejection into util.ErrCircuitOpen.
func breakerError(host string, err error) error {
	return &circuitOpenError{host: host, cause: err}
}

type circuitOpenError struct {
	host  string
	cause error
}

func (e *circuitOpenError) Error() string {
	return "circuit breaker open for " + e.host + ": " + e.cause.Error()
}

func (e *circuitOpenError) Is(target error) bool {
	return target == util.ErrCircuitOpen
}

func (e *circuitOpenError) Unwrap() error {
	return e.cause
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

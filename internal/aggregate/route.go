package aggregate

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/fanoutgw/internal/backend"
	"github.com/vyrodovalexey/fanoutgw/internal/config"
	"github.com/vyrodovalexey/fanoutgw/internal/observability"
	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

// Route is one fan-out aggregation route. It is safe for concurrent use
// and its configuration never changes after construction.
type Route struct {
	name        string
	timeout     time.Duration
	resolver    *Resolver
	dispatcher  *Dispatcher
	synthesizer *Synthesizer
	logger      observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
}

// RouteOption is a functional option for configuring a route.
type RouteOption func(*Route)

// WithLogger sets the logger for the route.
func WithLogger(logger observability.Logger) RouteOption {
	return func(r *Route) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the route.
func WithMetrics(metrics *observability.Metrics) RouteOption {
	return func(r *Route) {
		r.metrics = metrics
	}
}

// WithTracer sets the tracer for the route.
func WithTracer(tracer *observability.Tracer) RouteOption {
	return func(r *Route) {
		r.tracer = tracer
	}
}

// NewRouteFromConfig builds a route. Invalid templates or endpoints are
// reported as *util.ConfigError.
func NewRouteFromConfig(cfg config.AggregateRoute, client backend.Doer, opts ...RouteOption) (*Route, error) {
	if client == nil {
		return nil, util.NewConfigError("transport", "backend client is required")
	}
	cfg.ApplyDefaults()

	registry, err := NewRegistry(cfg.Endpoints)
	if err != nil {
		return nil, err
	}
	resolver, err := NewResolver(cfg.Patterns, registry)
	if err != nil {
		return nil, err
	}
	for _, code := range cfg.PriorityErrors {
		if err := util.ValidateHTTPStatusCode(code); err != nil {
			return nil, util.NewConfigErrorWithCause("priorityErrors", "invalid status code", err)
		}
	}

	var passthrough bool
	switch cfg.SingleIdentifier {
	case config.SingleIdentifierAggregate:
	case config.SingleIdentifierPassthrough:
		passthrough = true
	default:
		return nil, util.NewConfigError("singleIdentifier", "unknown policy "+quote(cfg.SingleIdentifier))
	}

	r := &Route{
		name:        cfg.Name,
		timeout:     cfg.Timeout.Duration(),
		resolver:    resolver,
		synthesizer: NewSynthesizer(cfg.PriorityErrors, cfg.MaxBodyBytes, passthrough),
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.dispatcher = NewDispatcher(client, r.logger, r.metrics, r.tracer,
		WithMaxPayloadBytes(cfg.MaxBodyBytes),
	)
	r.logger = r.logger.With(observability.String("route", r.name))

	return r, nil
}

// Name returns the route name.
func (r *Route) Name() string {
	return r.name
}

// Patterns returns the route templates in matching order.
func (r *Route) Patterns() []string {
	return r.resolver.Patterns()
}

// Endpoints returns the configured endpoint identifiers, sorted.
func (r *Route) Endpoints() []string {
	return r.resolver.Endpoints()
}

// Match reports whether the request matches one of the route's templates.
func (r *Route) Match(req *http.Request) bool {
	return r.resolver.Match(req)
}

// Handle resolves, dispatches and synthesizes, in that order. ErrNoMatch,
// *util.ConfigError and *util.ContractViolationError are returned
// unmodified; backend failures are expressed in the response. Backend
// bodies are read under the batch deadline, except a passthrough stream,
// which lives until the response is written.
func (r *Route) Handle(req *http.Request) (*Response, error) {
	mode := ModeFromRequest(req)

	ctx, span := r.tracer.StartSpan(req.Context(), "aggregate.route",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("aggregate.route", r.name),
			attribute.String("aggregate.mode", mode.String()),
		),
	)
	defer span.End()
	req = req.WithContext(observability.ContextWithSpanIDs(ctx, span))

	targets, err := r.resolver.Resolve(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("aggregate.targets", len(targets)))

	start := time.Now()
	batch, err := r.dispatcher.Dispatch(req, r.name, targets, r.timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return nil, err
	}
	defer batch.Release()
	r.metrics.ObserveBatch(r.name, time.Since(start))

	resp, shape, err := r.synthesizer.Synthesize(mode, batch.Slots)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesize failed")
		return nil, err
	}
	if shape == ShapePassthrough {
		batch.Detach(0)
	}

	r.metrics.RecordAggregate(r.name, shape.String())
	span.SetAttributes(
		attribute.String("aggregate.shape", shape.String()),
		attribute.Int("http.status_code", resp.StatusCode),
	)
	return resp, nil
}

// ServeHTTP implements http.Handler. Requests that match no template get
// a JSON 404; configuration and contract failures get a JSON 500.
func (r *Route) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	resp, err := r.Handle(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	if err := resp.WriteTo(w); err != nil {
		r.logger.WithContext(req.Context()).Warn("failed to write response",
			observability.Error(err),
		)
	}
}

func (r *Route) writeError(w http.ResponseWriter, req *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrNoMatch):
		status = http.StatusNotFound
		message = "not found"
	case errors.As(err, &tooLarge):
		status = http.StatusRequestEntityTooLarge
		message = "request body too large"
	case util.IsConfigError(err):
		r.logger.WithContext(req.Context()).Error("route configuration error",
			observability.String("path", req.URL.Path),
			observability.Error(err),
		)
		message = "route configuration error"
	case util.IsContractViolation(err):
		r.logger.WithContext(req.Context()).Error("response body contract violation",
			observability.Error(err),
		)
	default:
		r.logger.WithContext(req.Context()).Error("aggregation failed",
			observability.Error(err),
		)
	}

	WriteJSONError(w, status, message)
}

// WriteJSONError writes {"error": message} with the given status.
func WriteJSONError(w http.ResponseWriter, status int, message string) {
	body, _ := json.Marshal(map[string]string{"error": message})
	resp := jsonResponse(status, body)
	_ = resp.WriteTo(w)
}

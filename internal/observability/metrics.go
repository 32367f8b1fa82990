package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backend outcome label values.
const (
	OutcomeCompleted   = "completed"
	OutcomeNoResponse  = "no_response"
	OutcomeCircuitOpen = "circuit_open"
)

// Metrics holds all Prometheus metrics for the gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDuration       *prometheus.HistogramVec
	aggregateRequestsTotal    *prometheus.CounterVec
	aggregateBatchDuration    *prometheus.HistogramVec
	backendRequestsTotal      *prometheus.CounterVec
	backendDuration           *prometheus.HistogramVec
	rateLimitRejected         prometheus.Counter
	circuitBreakerTransitions *prometheus.CounterVec
	buildInfo                 *prometheus.GaugeVec
	startTime                 prometheus.Gauge
	registry                  *prometheus.Registry
}

// NewMetrics creates a new Metrics instance on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "fanoutgw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of inbound HTTP requests",
		},
		[]string{"method", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Inbound HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "status"},
	)

	m.aggregateRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_requests_total",
			Help:      "Total number of aggregated responses by response mode",
		},
		[]string{"route", "mode"},
	)

	m.aggregateBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregate_batch_duration_seconds",
			Help:      "Time spent waiting for a fan-out batch to resolve",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.backendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_backend_requests_total",
			Help:      "Total number of backend requests by outcome",
		},
		[]string{"route", "endpoint", "outcome"},
	)

	m.backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregate_backend_duration_seconds",
			Help:      "Time until backend response headers arrived",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "endpoint"},
	)

	m.rateLimitRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejected_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)

	m.circuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.aggregateRequestsTotal,
		m.aggregateBatchDuration,
		m.backendRequestsTotal,
		m.backendDuration,
		m.rateLimitRejected,
		m.circuitBreakerTransitions,
		m.buildInfo,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// RecordHTTPRequest records a completed inbound request.
func (m *Metrics) RecordHTTPRequest(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, statusStr).Inc()
	m.httpRequestDuration.WithLabelValues(method, statusStr).Observe(duration.Seconds())
}

// RecordAggregate records the response mode chosen for one inbound request.
func (m *Metrics) RecordAggregate(route, mode string) {
	if m == nil {
		return
	}
	m.aggregateRequestsTotal.WithLabelValues(route, mode).Inc()
}

// ObserveBatch records how long a fan-out batch took to resolve.
func (m *Metrics) ObserveBatch(route string, duration time.Duration) {
	if m == nil {
		return
	}
	m.aggregateBatchDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordBackend records the outcome of one backend call.
func (m *Metrics) RecordBackend(route, endpoint, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.backendRequestsTotal.WithLabelValues(route, endpoint, outcome).Inc()
	if outcome == OutcomeCompleted {
		m.backendDuration.WithLabelValues(route, endpoint).Observe(duration.Seconds())
	}
}

// RecordRateLimitRejected records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimitRejected() {
	if m == nil {
		return
	}
	m.rateLimitRejected.Inc()
}

// RecordCircuitBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordCircuitBreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.circuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

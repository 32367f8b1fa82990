// Package config provides configuration management for the fan-out
// gateway: YAML loading with environment substitution, defaults,
// validation and file watching for hot reload.
package config

import "time"

// Identifier-list placeholder used in route templates.
const EndpointIDsPlaceholder = "{Endpoint_IDs}"

// Single-identifier policies.
const (
	// SingleIdentifierAggregate treats a one-identifier request like any batch.
	SingleIdentifierAggregate = "aggregate"
	// SingleIdentifierPassthrough returns the only backend response verbatim.
	SingleIdentifierPassthrough = "passthrough"
)

// Default values.
const (
	DefaultListenAddress   = ":8080"
	DefaultAdminAddress    = ":9090"
	DefaultRouteTimeout    = 10 * time.Second
	DefaultMaxBodyBytes    = 10 << 20
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMetricsPath     = "/metrics"
	DefaultMetricsNS       = "fanoutgw"
	DefaultServiceName     = "fanoutgw"
)

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Listener      ListenerConfig      `yaml:"listener" json:"listener"`
	Admin         AdminConfig         `yaml:"admin" json:"admin"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Transport     TransportConfig     `yaml:"transport" json:"transport"`
	Routes        []AggregateRoute    `yaml:"routes" json:"routes"`
}

// ListenerConfig configures the data-plane HTTP listener.
type ListenerConfig struct {
	Address         string          `yaml:"address" json:"address"`
	ReadTimeout     Duration        `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout    Duration        `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout     Duration        `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	ShutdownTimeout Duration        `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
	RateLimit       RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
}

// RateLimitConfig configures the inbound token-bucket limiter.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// AdminConfig configures the admin listener serving health and metrics.
type AdminConfig struct {
	Address string `yaml:"address" json:"address"`
}

// ObservabilityConfig groups logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// TransportConfig configures the outbound HTTP transport shared by all routes.
type TransportConfig struct {
	MaxIdleConns        int                  `yaml:"maxIdleConns" json:"maxIdleConns"`
	MaxIdleConnsPerHost int                  `yaml:"maxIdleConnsPerHost" json:"maxIdleConnsPerHost"`
	MaxConnsPerHost     int                  `yaml:"maxConnsPerHost" json:"maxConnsPerHost"`
	IdleConnTimeout     Duration             `yaml:"idleConnTimeout" json:"idleConnTimeout"`
	DialTimeout         Duration             `yaml:"dialTimeout" json:"dialTimeout"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Retry               RetryConfig          `yaml:"retry" json:"retry"`
}

// CircuitBreakerConfig configures per-backend-host circuit breaking.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Threshold int      `yaml:"threshold" json:"threshold"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// RetryConfig configures transport-level retries for idempotent requests.
// MaxRetries of zero disables retrying.
type RetryConfig struct {
	MaxRetries     int      `yaml:"maxRetries" json:"maxRetries"`
	InitialBackoff Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" json:"maxBackoff"`
}

// AggregateRoute configures one fan-out aggregation route.
type AggregateRoute struct {
	Name string `yaml:"name" json:"name"`

	// Patterns are URL templates tried in order; each holds exactly one
	// {Endpoint_IDs} placeholder.
	Patterns []string `yaml:"patterns" json:"patterns"`

	// Endpoints maps a backend identifier to its base URL.
	Endpoints map[string]string `yaml:"endpoints" json:"endpoints"`

	// PriorityErrors lists status codes in priority order (first is highest).
	PriorityErrors []int `yaml:"priorityErrors,omitempty" json:"priorityErrors,omitempty"`

	// Timeout bounds the whole fan-out batch.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxBodyBytes caps how much of one backend body is buffered.
	MaxBodyBytes int64 `yaml:"maxBodyBytes,omitempty" json:"maxBodyBytes,omitempty"`

	// SingleIdentifier selects the behaviour for one-identifier requests.
	SingleIdentifier string `yaml:"singleIdentifier,omitempty" json:"singleIdentifier,omitempty"`
}

// DefaultConfig returns a configuration with default values and no routes.
func DefaultConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with their default values.
func (c *GatewayConfig) ApplyDefaults() {
	if c.Listener.Address == "" {
		c.Listener.Address = DefaultListenAddress
	}
	if c.Listener.ReadTimeout == 0 {
		c.Listener.ReadTimeout = Duration(30 * time.Second)
	}
	if c.Listener.WriteTimeout == 0 {
		c.Listener.WriteTimeout = Duration(60 * time.Second)
	}
	if c.Listener.IdleTimeout == 0 {
		c.Listener.IdleTimeout = Duration(120 * time.Second)
	}
	if c.Listener.ShutdownTimeout == 0 {
		c.Listener.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Listener.RateLimit.Enabled && c.Listener.RateLimit.Burst == 0 {
		c.Listener.RateLimit.Burst = int(c.Listener.RateLimit.RequestsPerSecond)
	}
	if c.Admin.Address == "" {
		c.Admin.Address = DefaultAdminAddress
	}

	c.applyObservabilityDefaults()
	c.applyTransportDefaults()

	for i := range c.Routes {
		c.Routes[i].ApplyDefaults()
	}
}

func (c *GatewayConfig) applyObservabilityDefaults() {
	logging := &c.Observability.Logging
	if logging.Level == "" {
		logging.Level = "info"
	}
	if logging.Format == "" {
		logging.Format = "json"
	}
	if logging.Output == "" {
		logging.Output = "stdout"
	}

	metrics := &c.Observability.Metrics
	if metrics.Path == "" {
		metrics.Path = DefaultMetricsPath
	}
	if metrics.Namespace == "" {
		metrics.Namespace = DefaultMetricsNS
	}

	tracing := &c.Observability.Tracing
	if tracing.ServiceName == "" {
		tracing.ServiceName = DefaultServiceName
	}
}

func (c *GatewayConfig) applyTransportDefaults() {
	t := &c.Transport
	if t.MaxIdleConns == 0 {
		t.MaxIdleConns = 100
	}
	if t.MaxIdleConnsPerHost == 0 {
		t.MaxIdleConnsPerHost = 10
	}
	if t.IdleConnTimeout == 0 {
		t.IdleConnTimeout = Duration(90 * time.Second)
	}
	if t.DialTimeout == 0 {
		t.DialTimeout = Duration(10 * time.Second)
	}
	if t.CircuitBreaker.Enabled {
		if t.CircuitBreaker.Threshold == 0 {
			t.CircuitBreaker.Threshold = 5
		}
		if t.CircuitBreaker.Timeout == 0 {
			t.CircuitBreaker.Timeout = Duration(30 * time.Second)
		}
	}
	if t.Retry.MaxRetries > 0 {
		if t.Retry.InitialBackoff == 0 {
			t.Retry.InitialBackoff = Duration(100 * time.Millisecond)
		}
		if t.Retry.MaxBackoff == 0 {
			t.Retry.MaxBackoff = Duration(2 * time.Second)
		}
	}
}

// ApplyDefaults fills unset route fields with their default values.
func (r *AggregateRoute) ApplyDefaults() {
	if r.Timeout == 0 {
		r.Timeout = Duration(DefaultRouteTimeout)
	}
	if r.MaxBodyBytes == 0 {
		r.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if r.SingleIdentifier == "" {
		r.SingleIdentifier = SingleIdentifierAggregate
	}
}

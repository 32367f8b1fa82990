package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"json": true, "console": true, "auto": true}

// ValidateConfig validates the configuration and returns a
// *util.ValidationError listing every invalid field.
func ValidateConfig(cfg *GatewayConfig) error {
	if cfg == nil {
		return util.NewValidationError("configuration is nil")
	}

	verr := util.NewValidationError("invalid configuration")

	validateListener(&cfg.Listener, verr)
	validateObservability(&cfg.Observability, verr)
	validateTransport(&cfg.Transport, verr)
	validateRoutes(cfg.Routes, verr)

	if verr.HasErrors() {
		return verr
	}
	return nil
}

func validateListener(l *ListenerConfig, verr *util.ValidationError) {
	if err := util.ValidateNonEmpty(l.Address, "address"); err != nil {
		verr.AddField("listener.address", err.Error())
	}
	durations := map[string]Duration{
		"listener.readTimeout":     l.ReadTimeout,
		"listener.writeTimeout":    l.WriteTimeout,
		"listener.idleTimeout":     l.IdleTimeout,
		"listener.shutdownTimeout": l.ShutdownTimeout,
	}
	for field, d := range durations {
		if err := util.ValidateDuration(d.Duration()); err != nil {
			verr.AddField(field, err.Error())
		}
	}
	if l.RateLimit.Enabled {
		if l.RateLimit.RequestsPerSecond <= 0 {
			verr.AddField("listener.rateLimit.requestsPerSecond", "must be positive when rate limiting is enabled")
		}
		if l.RateLimit.Burst <= 0 {
			verr.AddField("listener.rateLimit.burst", "must be positive when rate limiting is enabled")
		}
	}
}

func validateObservability(o *ObservabilityConfig, verr *util.ValidationError) {
	if !validLogLevels[o.Logging.Level] {
		verr.AddField("observability.logging.level", fmt.Sprintf("unknown level %q", o.Logging.Level))
	}
	if !validLogFormats[o.Logging.Format] {
		verr.AddField("observability.logging.format", fmt.Sprintf("unknown format %q", o.Logging.Format))
	}
	if o.Metrics.Enabled && !strings.HasPrefix(o.Metrics.Path, "/") {
		verr.AddField("observability.metrics.path", "must start with /")
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		verr.AddField("observability.tracing.samplingRate", "must be between 0 and 1")
	}
}

func validateTransport(t *TransportConfig, verr *util.ValidationError) {
	if t.MaxIdleConns < 0 || t.MaxIdleConnsPerHost < 0 || t.MaxConnsPerHost < 0 {
		verr.AddField("transport", "connection limits cannot be negative")
	}
	if t.CircuitBreaker.Enabled && t.CircuitBreaker.Threshold <= 0 {
		verr.AddField("transport.circuitBreaker.threshold", "must be positive")
	}
	if t.Retry.MaxRetries < 0 {
		verr.AddField("transport.retry.maxRetries", "cannot be negative")
	}
	if t.Retry.MaxBackoff > 0 && t.Retry.InitialBackoff > t.Retry.MaxBackoff {
		verr.AddField("transport.retry.initialBackoff", "cannot exceed maxBackoff")
	}
}

func validateRoutes(routes []AggregateRoute, verr *util.ValidationError) {
	if len(routes) == 0 {
		verr.AddField("routes", "at least one route is required")
		return
	}

	names := make(map[string]int, len(routes))
	for i := range routes {
		prefix := fmt.Sprintf("routes[%d]", i)
		route := &routes[i]

		if err := util.ValidateNonEmpty(route.Name, "name"); err != nil {
			verr.AddField(prefix+".name", err.Error())
		} else if first, dup := names[route.Name]; dup {
			verr.AddField(prefix+".name", fmt.Sprintf("duplicate of routes[%d]", first))
		} else {
			names[route.Name] = i
		}

		ValidateRoute(prefix, route, verr)
	}
}

// ValidateRoute validates one aggregate route, recording errors under prefix.
func ValidateRoute(prefix string, route *AggregateRoute, verr *util.ValidationError) {
	if len(route.Patterns) == 0 {
		verr.AddField(prefix+".patterns", "at least one pattern is required")
	}
	for j, pattern := range route.Patterns {
		if n := strings.Count(pattern, EndpointIDsPlaceholder); n != 1 {
			verr.AddField(fmt.Sprintf("%s.patterns[%d]", prefix, j),
				fmt.Sprintf("must contain exactly one %s placeholder, found %d", EndpointIDsPlaceholder, n))
		}
	}

	if len(route.Endpoints) == 0 {
		verr.AddField(prefix+".endpoints", "at least one endpoint is required")
	}
	for id, base := range route.Endpoints {
		field := fmt.Sprintf("%s.endpoints[%s]", prefix, id)
		if id == "" || strings.ContainsAny(id, ",/") {
			verr.AddField(field, "identifier must be non-empty and contain no ',' or '/'")
			continue
		}
		if err := util.ValidateURL(base); err != nil {
			verr.AddField(field, err.Error())
		}
	}

	for j, code := range route.PriorityErrors {
		if err := util.ValidateHTTPStatusCode(code); err != nil {
			verr.AddField(fmt.Sprintf("%s.priorityErrors[%d]", prefix, j), err.Error())
		}
	}

	if route.Timeout < 0 {
		verr.AddField(prefix+".timeout", "cannot be negative")
	}
	if route.MaxBodyBytes < 0 {
		verr.AddField(prefix+".maxBodyBytes", "cannot be negative")
	}

	switch route.SingleIdentifier {
	case "", SingleIdentifierAggregate, SingleIdentifierPassthrough:
	default:
		verr.AddField(prefix+".singleIdentifier",
			fmt.Sprintf("must be %q or %q", SingleIdentifierAggregate, SingleIdentifierPassthrough))
	}
}

package backend

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vyrodovalexey/fanoutgw/internal/config"
	"github.com/vyrodovalexey/fanoutgw/internal/observability"
	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

// Doer sends one outbound HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the outbound HTTP client shared by all aggregation routes.
type Client struct {
	pool     *ConnectionPool
	doer     Doer
	breakers *breakerSet
	retry    RetrySettings
	logger   observability.Logger
	metrics  *observability.Metrics
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder for breaker transitions.
func WithMetrics(metrics *observability.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithCircuitBreaker enables per-host circuit breaking.
func WithCircuitBreaker(settings BreakerSettings) ClientOption {
	return func(c *Client) {
		c.breakers = newBreakerSet(settings, nil, nil)
	}
}

// WithRetry enables retries for transport errors on idempotent requests.
func WithRetry(settings RetrySettings) ClientOption {
	return func(c *Client) {
		c.retry = settings
	}
}

// WithDoer replaces the pooled http.Client used for sending requests.
func WithDoer(doer Doer) ClientOption {
	return func(c *Client) {
		c.doer = doer
	}
}

// NewClient creates a client over a fresh connection pool.
func NewClient(pool PoolConfig, opts ...ClientOption) *Client {
	c := &Client{
		pool:   NewConnectionPool(pool),
		logger: observability.NopLogger(),
	}
	c.doer = c.pool.Client()

	for _, opt := range opts {
		opt(c)
	}

	if c.breakers != nil {
		c.breakers.logger = c.logger
		c.breakers.metrics = c.metrics
	}

	return c
}

// NewClientFromConfig creates a client from the transport configuration.
func NewClientFromConfig(cfg config.TransportConfig, opts ...ClientOption) *Client {
	var base []ClientOption
	if cfg.CircuitBreaker.Enabled {
		base = append(base, WithCircuitBreaker(BreakerSettings{
			Threshold: cfg.CircuitBreaker.Threshold,
			Timeout:   cfg.CircuitBreaker.Timeout.Duration(),
		}))
	}
	if cfg.Retry.MaxRetries > 0 {
		base = append(base, WithRetry(RetrySettings{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Retry.MaxBackoff.Duration(),
		}))
	}
	return NewClient(PoolConfigFromTransport(cfg), append(base, opts...)...)
}

// Do sends req. Any response the backend produced is returned, including
// 3xx, 4xx and 5xx. An error means no response: a transport failure, a
// cancelled context, or an open circuit (errors.Is util.ErrCircuitOpen).
// Hop-by-hop headers are removed from the request and the response.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	RemoveHopHeaders(req.Header)

	var (
		resp *http.Response
		err  error
	)
	if c.retry.Enabled() && isIdempotent(req.Method) {
		resp, err = c.doWithRetry(req)
	} else {
		resp, err = c.attempt(req)
	}
	if err != nil {
		return nil, err
	}

	RemoveHopHeaders(resp.Header)
	return resp, nil
}

func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	attempt := 0
	operation := func() (*http.Response, error) {
		r := req
		if attempt > 0 {
			var err error
			if r, err = rewind(req); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		attempt++

		resp, err := c.attempt(r)
		if errors.Is(err, util.ErrCircuitOpen) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	notify := func(err error, next time.Duration) {
		c.logger.Debug("retrying backend request",
			observability.String("url", req.URL.String()),
			observability.Int("attempt", attempt),
			observability.Duration("backoff", next),
			observability.Error(err),
		)
	}

	return backoff.RetryNotifyWithData(operation, c.retry.newBackOff(req.Context()), notify)
}

// attempt sends a single request through the host's breaker, if any.
func (c *Client) attempt(req *http.Request) (*http.Response, error) {
	if c.breakers == nil {
		return c.doer.Do(req)
	}

	host := req.URL.Host
	result, err := c.breakers.get(host).Execute(func() (interface{}, error) {
		resp, err := c.doer.Do(req)
		if err != nil {
			return nil, withCancelCause(req.Context(), err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, util.NewServerError(resp.StatusCode)
		}
		return resp, nil
	})

	if resp, ok := result.(*http.Response); ok && resp != nil {
		return resp, nil
	}
	if err != nil && isBreakerRejection(err) {
		return nil, breakerError(host, err)
	}
	return nil, err
}

// BreakerState returns the breaker state for a host, or "disabled".
func (c *Client) BreakerState(host string) string {
	if c.breakers == nil {
		return "disabled"
	}
	return c.breakers.state(host).String()
}

// CloseIdleConnections closes idle pooled connections.
func (c *Client) CloseIdleConnections() {
	c.pool.CloseIdleConnections()
}

// rewind clones req with a fresh body for a retry.
func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return r, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body for %s cannot be replayed", req.URL)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	r.Body = body
	return r, nil
}

var _ Doer = (*Client)(nil)

package backend

import (
	"net"
	"net/http"
	"time"

	"github.com/vyrodovalexey/fanoutgw/internal/config"
)

// PoolConfig contains connection pool configuration.
type PoolConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	ExpectContinueTimeout time.Duration
	DisableCompression    bool
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// PoolConfigFromTransport converts the transport section of the gateway
// configuration, keeping defaults for unset values.
func PoolConfigFromTransport(cfg config.TransportConfig) PoolConfig {
	pc := DefaultPoolConfig()
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		pc.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.MaxConnsPerHost > 0 {
		pc.MaxConnsPerHost = cfg.MaxConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		pc.IdleConnTimeout = cfg.IdleConnTimeout.Duration()
	}
	if cfg.DialTimeout > 0 {
		pc.DialTimeout = cfg.DialTimeout.Duration()
	}
	return pc
}

// ConnectionPool manages HTTP connections to backends.
type ConnectionPool struct {
	transport *http.Transport
	client    *http.Client
}

// NewConnectionPool creates a new connection pool that never follows redirects.
func NewConnectionPool(cfg PoolConfig) *ConnectionPool {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableCompression:    cfg.DisableCompression,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   0, // batch deadline comes from the request context
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &ConnectionPool{
		transport: transport,
		client:    client,
	}
}

// Client returns the HTTP client.
func (p *ConnectionPool) Client() *http.Client {
	return p.client
}

// CloseIdleConnections closes idle connections.
func (p *ConnectionPool) CloseIdleConnections() {
	p.transport.CloseIdleConnections()
}

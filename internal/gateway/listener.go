package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/fanoutgw/internal/config"
	"github.com/vyrodovalexey/fanoutgw/internal/observability"
)

// Listener represents an HTTP listener.
type Listener struct {
	name    string
	address string
	server  *http.Server
	handler http.Handler
	logger  observability.Logger
	running atomic.Bool
	bound   string
	mu      sync.RWMutex

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithServerTimeouts applies the listener timeouts from configuration.
func WithServerTimeouts(cfg config.ListenerConfig) ListenerOption {
	return func(l *Listener) {
		l.readTimeout = cfg.ReadTimeout.Duration()
		l.writeTimeout = cfg.WriteTimeout.Duration()
		l.idleTimeout = cfg.IdleTimeout.Duration()
	}
}

// NewListener creates a new listener.
func NewListener(name, address string, handler http.Handler, opts ...ListenerOption) *Listener {
	l := &Listener{
		name:         name,
		address:      address,
		handler:      handler,
		logger:       observability.NopLogger(),
		readTimeout:  30 * time.Second,
		writeTimeout: 60 * time.Second,
		idleTimeout:  120 * time.Second,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return l.name
}

// Address returns the bound address once started, else the configured one.
func (l *Listener) Address() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.bound != "" {
		return l.bound
	}
	return l.address
}

// Start starts the listener.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("listener %s is already running", l.name)
	}

	server := &http.Server{
		Addr:              l.address,
		Handler:           l.handler,
		ReadTimeout:       l.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      l.writeTimeout,
		IdleTimeout:       l.idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}

	l.mu.Lock()
	l.server = server
	l.bound = ln.Addr().String()
	l.mu.Unlock()
	l.running.Store(true)

	l.logger.Info("listener started",
		observability.String("name", l.name),
		observability.String("address", ln.Addr().String()),
	)

	go l.serve(server, ln)

	return nil
}

func (l *Listener) serve(server *http.Server, ln net.Listener) {
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("listener error",
			observability.String("name", l.name),
			observability.Error(err),
		)
	}
	l.running.Store(false)
}

// Stop stops the listener gracefully, closing it outright when ctx
// expires first.
func (l *Listener) Stop(ctx context.Context) error {
	if !l.running.Load() {
		return nil
	}

	l.logger.Info("stopping listener", observability.String("name", l.name))

	l.mu.RLock()
	server := l.server
	l.mu.RUnlock()

	if err := server.Shutdown(ctx); err != nil {
		if closeErr := server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown listener gracefully: %w", err)
	}

	l.running.Store(false)

	l.logger.Info("listener stopped", observability.String("name", l.name))

	return nil
}

// IsRunning returns true if the listener is running.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/fanoutgw/internal/aggregate"
	"github.com/vyrodovalexey/fanoutgw/internal/backend"
	"github.com/vyrodovalexey/fanoutgw/internal/config"
	"github.com/vyrodovalexey/fanoutgw/internal/health"
	"github.com/vyrodovalexey/fanoutgw/internal/middleware"
	"github.com/vyrodovalexey/fanoutgw/internal/observability"
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

var ginModeOnce sync.Once

// Gateway is the fan-out gateway.
type Gateway struct {
	config  *config.GatewayConfig
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	client  backend.Doer
	version string

	routes  *RouteTable
	limiter *middleware.RateLimiter
	checker *health.Checker
	handler http.Handler
	admin   *gin.Engine

	listener      *Listener
	adminListener *Listener

	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex

	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the gateway.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithTracer sets the tracer for the gateway.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithBackendClient sets the client used to reach backends. Without it
// a client is built from the transport configuration.
func WithBackendClient(client backend.Doer) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// WithShutdownTimeout overrides the configured shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(g *Gateway) {
		g.version = version
	}
}

// New validates cfg and builds every route. Nothing listens until Start.
func New(cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g := &Gateway{
		config:          cfg,
		logger:          observability.NopLogger(),
		shutdownTimeout: cfg.Listener.ShutdownTimeout.Duration(),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		g.client = backend.NewClientFromConfig(cfg.Transport,
			backend.WithLogger(g.logger),
			backend.WithMetrics(g.metrics),
		)
	}

	routes, err := g.buildRoutes(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	g.routes = NewRouteTable(routes)
	g.limiter = middleware.NewRateLimiterFromConfig(cfg.Listener.RateLimit)

	g.checker = health.NewChecker(g.version)
	g.checker.RegisterCheck("gateway", g.stateCheck)
	g.checker.RegisterCheck("routes", g.routesCheck)

	ginModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })
	g.handler = g.buildDataEngine()
	g.admin = g.buildAdminEngine()

	g.state.Store(int32(StateStopped))

	return g, nil
}

func (g *Gateway) buildRoutes(cfg *config.GatewayConfig) ([]*aggregate.Route, error) {
	return BuildRoutes(cfg.Routes, g.client,
		aggregate.WithLogger(g.logger),
		aggregate.WithMetrics(g.metrics),
		aggregate.WithTracer(g.tracer),
	)
}

// buildDataEngine serves every request through gin's NoRoute handler so
// that the route table, not gin's router, decides what matches.
func (g *Gateway) buildDataEngine() *gin.Engine {
	handler := middleware.Chain(g.routes,
		middleware.Recovery(g.logger),
		middleware.RequestID(),
		middleware.Tracing(g.tracer),
		middleware.Logging(g.logger, g.metrics),
		middleware.RateLimit(g.limiter, g.logger, g.metrics),
	)

	engine := gin.New()
	engine.NoRoute(func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
		// An empty-bodied response must not get gin's default 404 text.
		c.Writer.WriteHeaderNow()
	})
	return engine
}

// Start binds the data-plane and admin listeners.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrGatewayNotStopped
	}

	cfg := g.Config()
	g.logger.Info("starting gateway",
		observability.String("address", cfg.Listener.Address),
		observability.String("admin_address", cfg.Admin.Address),
		observability.Int("routes", g.routes.Len()),
	)

	g.listener = NewListener("http", cfg.Listener.Address, g.handler,
		WithListenerLogger(g.logger),
		WithServerTimeouts(cfg.Listener),
	)
	g.adminListener = NewListener("admin", cfg.Admin.Address, g.admin,
		WithListenerLogger(g.logger),
	)

	if err := g.listener.Start(ctx); err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start listener %s: %w", g.listener.Name(), err)
	}
	if err := g.adminListener.Start(ctx); err != nil {
		_ = g.listener.Stop(ctx)
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start listener %s: %w", g.adminListener.Name(), err)
	}

	g.mu.Lock()
	g.startTime = time.Now()
	g.mu.Unlock()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", g.listener.Address()),
		observability.String("admin_address", g.adminListener.Address()),
	)

	return nil
}

// Stop drains both listeners within the shutdown timeout and releases
// idle backend connections.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrGatewayNotRunning
	}

	g.logger.Info("stopping gateway")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	for _, l := range []*Listener{g.listener, g.adminListener} {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			if err := l.Stop(ctx); err != nil {
				g.logger.Error("failed to stop listener",
					observability.String("name", l.Name()),
					observability.Error(err),
				)
			}
		}(l)
	}
	wg.Wait()

	if c, ok := g.client.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}

	g.state.Store(int32(StateStopped))

	g.logger.Info("gateway stopped")

	return nil
}

// Reload validates cfg, rebuilds every route and swaps the route table.
// On any error the running routes stay in place. Listener addresses,
// the admin surface and the transport only change on restart.
func (g *Gateway) Reload(cfg *config.GatewayConfig) error {
	if cfg == nil {
		return ErrNilConfig
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	routes, err := g.buildRoutes(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g.mu.Lock()
	previous := g.config
	g.config = cfg
	g.mu.Unlock()

	g.routes.Store(routes)
	g.limiter.Apply(cfg.Listener.RateLimit)

	if previous.Listener.Address != cfg.Listener.Address || previous.Admin.Address != cfg.Admin.Address {
		g.logger.Warn("listener address changes take effect after restart")
	}
	if previous.Transport != cfg.Transport {
		g.logger.Warn("transport changes take effect after restart")
	}

	g.logger.Info("gateway configuration reloaded",
		observability.Int("routes", len(routes)),
	)

	return nil
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns the gateway uptime.
func (g *Gateway) Uptime() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

// Config returns the current configuration.
func (g *Gateway) Config() *config.GatewayConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Handler returns the data-plane handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// AdminHandler returns the admin handler.
func (g *Gateway) AdminHandler() http.Handler {
	return g.admin
}

// Routes returns the route table.
func (g *Gateway) Routes() *RouteTable {
	return g.routes
}

// Address returns the data-plane address, bound once started.
func (g *Gateway) Address() string {
	if g.listener == nil {
		return g.Config().Listener.Address
	}
	return g.listener.Address()
}

// AdminAddress returns the admin address, bound once started.
func (g *Gateway) AdminAddress() string {
	if g.adminListener == nil {
		return g.Config().Admin.Address
	}
	return g.adminListener.Address()
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/fanoutgw/internal/backend"
	"github.com/vyrodovalexey/fanoutgw/internal/config"
	"github.com/vyrodovalexey/fanoutgw/internal/gateway"
	"github.com/vyrodovalexey/fanoutgw/internal/observability"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

// application holds the long-lived components of a serving process.
type application struct {
	gateway *gateway.Gateway
	client  *backend.Client
	watcher *config.Watcher
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  observability.Logger
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting fanoutgw",
		observability.String("version", version),
		observability.String("config", opts.configPath),
		observability.Int("routes", len(cfg.Routes)),
	)

	app, err := initApplication(cfg, opts, logger)
	if err != nil {
		return err
	}
	defer app.shutdownTracer()

	if err := app.gateway.Start(ctx); err != nil {
		return err
	}

	if err := app.watcher.Start(ctx); err != nil {
		logger.Warn("configuration hot reload disabled", observability.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	_ = app.watcher.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Listener.ShutdownTimeout.Duration())
	defer cancel()
	//nolint:contextcheck // shutdown must outlive the cancelled serve context
	return app.gateway.Stop(stopCtx)
}

func initApplication(cfg *config.GatewayConfig, opts *rootOptions, logger observability.Logger) (*application, error) {
	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetrics(cfg.Observability.Metrics.Namespace)
		metrics.SetBuildInfo(version, gitCommit, buildTime)
	}

	tracer, err := initTracer(cfg.Observability.Tracing, logger)
	if err != nil {
		return nil, err
	}

	client := backend.NewClientFromConfig(cfg.Transport,
		backend.WithLogger(logger),
		backend.WithMetrics(metrics),
	)

	gw, err := gateway.New(cfg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithTracer(tracer),
		gateway.WithBackendClient(client),
		gateway.WithVersion(version),
	)
	if err != nil {
		return nil, err
	}

	watcher, err := config.NewWatcher(opts.configPath,
		func(next *config.GatewayConfig) {
			opts.applyOverrides(next)
			if err := gw.Reload(next); err != nil {
				logger.Error("configuration reload failed", observability.Error(err))
			}
		},
		config.WithLogger(logger),
		config.WithErrorCallback(func(err error) {
			logger.Warn("keeping previous configuration", observability.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	return &application{
		gateway: gw,
		client:  client,
		watcher: watcher,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
	}, nil
}

func initTracer(cfg config.TracingConfig, logger observability.Logger) (*observability.Tracer, error) {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.SamplingRate,
		Enabled:      cfg.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	if cfg.Enabled {
		logger.Info("tracing enabled",
			observability.String("endpoint", cfg.OTLPEndpoint),
			observability.Float64("sampling_rate", cfg.SamplingRate),
		)
	}
	return tracer, nil
}

func (a *application) shutdownTracer() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", observability.Error(err))
	}
}

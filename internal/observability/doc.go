// Package observability provides logging, metrics, and tracing
// functionality for the fan-out gateway.
//
// # Logging
//
// The Logger interface provides structured logging backed by zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("batch dispatched",
//	    observability.String("route", "users"),
//	    observability.Int("endpoints", 2),
//	)
//
// The request ID placed in the context by the RequestID middleware is the
// correlation identifier attached by WithContext.
//
// # Metrics
//
// Prometheus metrics for inbound requests, aggregation batches and
// backend calls live on a private registry:
//
//	metrics := observability.NewMetrics("fanoutgw")
//	handler := metrics.Handler()
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export. When disabled the Tracer
// still hands out no-op spans so callers never branch on it.
package observability

// Package middleware provides the HTTP middleware wrapped around the
// aggregation routes.
//
// Middleware functions follow the standard Go pattern:
//
//	handler := middleware.Chain(routes,
//	    middleware.Recovery(logger),
//	    middleware.RequestID(),
//	    middleware.Tracing(tracer),
//	    middleware.Logging(logger, metrics),
//	    middleware.RateLimit(limiter, logger, metrics),
//	)
//
// The first middleware passed to Chain is the outermost.
package middleware

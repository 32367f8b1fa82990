// Package health serves the liveness and readiness probes of the
// admin listener.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the service is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the service is degraded but operational.
	StatusDegraded Status = "degraded"
)

// DefaultCheckTimeout bounds one readiness evaluation.
const DefaultCheckTimeout = 5 * time.Second

// HealthResponse is the liveness response body.
type HealthResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the readiness response body.
type ReadinessResponse struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check is the result of one readiness check.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc performs one readiness check.
type CheckFunc func(ctx context.Context) Check

// Checker aggregates readiness checks.
type Checker struct {
	version   string
	startTime time.Time
	timeout   time.Duration
	checks    map[string]CheckFunc
	mu        sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		version:   version,
		startTime: time.Now(),
		timeout:   DefaultCheckTimeout,
		checks:    make(map[string]CheckFunc),
	}
}

// RegisterCheck registers a named readiness check, replacing any
// check with the same name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Health returns the liveness status. A process able to answer is alive.
func (c *Checker) Health() HealthResponse {
	return HealthResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
}

// Readiness runs every registered check. One unhealthy check makes the
// whole response unhealthy; degraded checks only degrade it.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		names = append(names, name)
		checks[name] = fn
	}
	c.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response := ReadinessResponse{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check, len(names)),
		Timestamp: time.Now().UTC(),
	}

	for _, name := range names {
		check := checks[name](ctx)
		response.Checks[name] = check

		switch check.Status {
		case StatusUnhealthy:
			response.Status = StatusUnhealthy
		case StatusDegraded:
			if response.Status != StatusUnhealthy {
				response.Status = StatusDegraded
			}
		}
	}

	return response
}

// LivenessHandler answers liveness probes.
func (c *Checker) LivenessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, c.Health())
	}
}

// ReadinessHandler answers readiness probes with 503 while unhealthy.
func (c *Checker) ReadinessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		response := c.Readiness(ctx.Request.Context())

		statusCode := http.StatusOK
		if response.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		ctx.JSON(statusCode, response)
	}
}

// RegisterRoutes registers the probe routes on a gin engine.
func (c *Checker) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/health", c.LivenessHandler())
	engine.GET("/healthz", c.LivenessHandler())
	engine.GET("/ready", c.ReadinessHandler())
	engine.GET("/readyz", c.ReadinessHandler())
}

package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/fanoutgw/internal/health"
)

// RouteInfo describes one loaded route on the admin listener.
type RouteInfo struct {
	Name      string   `json:"name"`
	Patterns  []string `json:"patterns"`
	Endpoints []string `json:"endpoints"`
}

func (g *Gateway) buildAdminEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	g.checker.RegisterRoutes(engine)

	if metricsCfg := g.config.Observability.Metrics; metricsCfg.Enabled && g.metrics != nil {
		engine.GET(metricsCfg.Path, gin.WrapH(g.metrics.Handler()))
	}

	engine.GET("/routes", g.listRoutes)

	return engine
}

func (g *Gateway) listRoutes(c *gin.Context) {
	routes := g.routes.Routes()
	infos := make([]RouteInfo, 0, len(routes))
	for _, r := range routes {
		infos = append(infos, RouteInfo{
			Name:      r.Name(),
			Patterns:  r.Patterns(),
			Endpoints: r.Endpoints(),
		})
	}
	c.JSON(http.StatusOK, infos)
}

func (g *Gateway) stateCheck(context.Context) health.Check {
	if state := g.State(); state != StateRunning {
		return health.Check{Status: health.StatusUnhealthy, Message: "gateway is " + state.String()}
	}
	return health.Check{Status: health.StatusHealthy}
}

func (g *Gateway) routesCheck(context.Context) health.Check {
	n := g.routes.Len()
	if n == 0 {
		return health.Check{Status: health.StatusUnhealthy, Message: "no routes loaded"}
	}
	return health.Check{Status: health.StatusHealthy, Message: fmt.Sprintf("%d routes loaded", n)}
}

package gateway

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/vyrodovalexey/fanoutgw/internal/aggregate"
	"github.com/vyrodovalexey/fanoutgw/internal/backend"
	"github.com/vyrodovalexey/fanoutgw/internal/config"
)

// RouteTable hands each request to the first route whose template
// matches. The route set is replaced atomically, so in-flight requests
// finish on the routes they started with.
type RouteTable struct {
	routes atomic.Pointer[[]*aggregate.Route]
}

// NewRouteTable creates a route table holding routes.
func NewRouteTable(routes []*aggregate.Route) *RouteTable {
	t := &RouteTable{}
	t.Store(routes)
	return t
}

// Store replaces the route set.
func (t *RouteTable) Store(routes []*aggregate.Route) {
	cp := append([]*aggregate.Route(nil), routes...)
	t.routes.Store(&cp)
}

// Routes returns the current route set in matching order.
func (t *RouteTable) Routes() []*aggregate.Route {
	if p := t.routes.Load(); p != nil {
		return *p
	}
	return nil
}

// Len returns the number of routes.
func (t *RouteTable) Len() int {
	return len(t.Routes())
}

// ServeHTTP implements http.Handler.
func (t *RouteTable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, route := range t.Routes() {
		if route.Match(r) {
			route.ServeHTTP(w, r)
			return
		}
	}
	aggregate.WriteJSONError(w, http.StatusNotFound, "not found")
}

// BuildRoutes constructs every configured route over one shared backend
// client. The first failing route aborts the build.
func BuildRoutes(
	routes []config.AggregateRoute,
	client backend.Doer,
	opts ...aggregate.RouteOption,
) ([]*aggregate.Route, error) {
	built := make([]*aggregate.Route, 0, len(routes))
	for i := range routes {
		route, err := aggregate.NewRouteFromConfig(routes[i], client, opts...)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", routes[i].Name, err)
		}
		built = append(built, route)
	}
	return built, nil
}

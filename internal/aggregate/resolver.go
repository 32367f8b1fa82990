package aggregate

import (
	"errors"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

// ErrNoMatch is returned when a request matches none of the route's templates.
var ErrNoMatch = errors.New("request does not match any route template")

// Target is one resolved backend request.
type Target struct {
	// ID is the identifier as it appeared in the request path.
	ID string
	// URL is the absolute backend URL, including the inbound query string.
	URL string
}

// Resolver maps an inbound request onto backend targets.
type Resolver struct {
	patterns []*Pattern
	registry *Registry
}

// NewResolver parses the templates and binds them to the registry.
func NewResolver(patterns []string, registry *Registry) (*Resolver, error) {
	if len(patterns) == 0 {
		return nil, util.NewConfigError("patterns", "at least one pattern is required")
	}
	if registry == nil {
		return nil, util.NewConfigError("endpoints", "registry is required")
	}

	parsed := make([]*Pattern, 0, len(patterns))
	for _, raw := range patterns {
		p, err := ParsePattern(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, p)
	}

	return &Resolver{patterns: parsed, registry: registry}, nil
}

// Patterns returns the route templates in matching order.
func (r *Resolver) Patterns() []string {
	out := make([]string, len(r.patterns))
	for i, p := range r.patterns {
		out[i] = p.String()
	}
	return out
}

// Endpoints returns the registered identifiers, sorted.
func (r *Resolver) Endpoints() []string {
	return r.registry.IDs()
}

// Match reports whether any template matches the request.
func (r *Resolver) Match(req *http.Request) bool {
	for _, p := range r.patterns {
		if _, _, ok := p.match(req); ok {
			return true
		}
	}
	return false
}

// Resolve returns one target per identifier in path order. Duplicated
// identifiers yield duplicated targets. An identifier missing from the
// registry fails the whole request with a *util.ConfigError.
func (r *Resolver) Resolve(req *http.Request) ([]Target, error) {
	for _, p := range r.patterns {
		ids, remainder, ok := p.match(req)
		if !ok {
			continue
		}
		return r.targets(ids, remainder, req.URL.RawQuery)
	}
	return nil, ErrNoMatch
}

func (r *Resolver) targets(idList, remainder, rawQuery string) ([]Target, error) {
	ids := strings.Split(idList, ",")
	targets := make([]Target, 0, len(ids))

	for _, id := range ids {
		base, ok := r.registry.Lookup(id)
		if !ok {
			return nil, util.NewConfigError("endpoints", "unknown endpoint identifier "+quote(id))
		}

		target := base + remainder
		if rawQuery != "" {
			target += "?" + rawQuery
		}
		targets = append(targets, Target{ID: id, URL: target})
	}

	return targets, nil
}

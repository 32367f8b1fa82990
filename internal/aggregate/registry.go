package aggregate

import (
	"sort"
	"strings"

	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

// Registry maps backend identifiers to backend base URLs.
// It is immutable after construction.
type Registry struct {
	endpoints map[string]string
}

// NewRegistry validates and copies the identifier to base URL mapping.
func NewRegistry(endpoints map[string]string) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, util.NewConfigError("endpoints", "at least one endpoint is required")
	}

	copied := make(map[string]string, len(endpoints))
	for id, base := range endpoints {
		if id == "" || strings.ContainsAny(id, ",/") {
			return nil, util.NewConfigError("endpoints", "invalid identifier "+quote(id))
		}
		if err := util.ValidateURL(base); err != nil {
			return nil, util.NewConfigErrorWithCause("endpoints["+id+"]", "invalid base URL", err)
		}
		copied[id] = strings.TrimSuffix(base, "/")
	}

	return &Registry{endpoints: copied}, nil
}

// Lookup returns the base URL for id, without a trailing slash.
func (r *Registry) Lookup(id string) (string, bool) {
	base, ok := r.endpoints[id]
	return base, ok
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered identifiers.
func (r *Registry) Len() int {
	return len(r.endpoints)
}

func quote(s string) string {
	return `"` + s + `"`
}

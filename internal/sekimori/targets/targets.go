// Package targets provides the lookup table of configured upstream targets.
//
// Targets are read from configuration at startup and immutable thereafter.
// Queues tolerate lookups against targets that were removed between restarts;
// the proxy layer maps a miss to 403 or 404 according to the hide-not-found
// policy.
package targets

import (
	"sort"

	"github.com/bdobrica/Sekimori/internal/sekimori/config"
)

// Registry is an immutable, concurrency-safe lookup table keyed by target id.
type Registry struct {
	targets map[string]config.Target
}

// NewRegistry builds a registry from validated configuration.  Later entries
// never shadow earlier ones; the config layer rejects duplicate ids.
func NewRegistry(list []config.Target) *Registry {
	m := make(map[string]config.Target, len(list))
	for _, t := range list {
		m[t.ID] = t
	}
	return &Registry{targets: m}
}

// Get returns the target with the given id.
func (r *Registry) Get(id string) (config.Target, bool) {
	t, ok := r.targets[id]
	return t, ok
}

// List returns all targets sorted by id.
func (r *Registry) List() []config.Target {
	out := make([]config.Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agents returns the enabled A2A targets, sorted by id.  The container
// runtime walks this at startup to materialize image-based agents.
func (r *Registry) Agents() []config.Target {
	var out []config.Target
	for _, t := range r.List() {
		if t.Type == config.TypeAgent && t.IsEnabled() {
			out = append(out, t)
		}
	}
	return out
}

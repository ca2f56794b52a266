// Package registry maps the closed set of entity type tags to their
// loaders and resolves the order a run loads them in.
package registry

import (
	"fmt"
	"strings"

	"github.com/johndauphine/crm-pg-loader/internal/loader"
)

// Registry holds the registered entity loaders. Registration happens once
// at startup; lookups and order resolution run after that.
type Registry struct {
	loaders map[string]loader.EntityLoader
	order   []string // registration order, breaks topological ties
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{loaders: make(map[string]loader.EntityLoader)}
}

// Register adds a loader under its entity type.
// Panics if the type is already registered; a duplicate is a programming
// error in the entity catalog, not a runtime condition.
func (r *Registry) Register(l loader.EntityLoader) {
	name := l.EntityType()
	if _, exists := r.loaders[name]; exists {
		panic(fmt.Sprintf("entity type %q already registered", name))
	}
	r.loaders[name] = l
	r.order = append(r.order, name)
}

// Get retrieves the loader for an entity type.
func (r *Registry) Get(entityType string) (loader.EntityLoader, error) {
	l, exists := r.loaders[entityType]
	if !exists {
		return nil, fmt.Errorf("unknown entity type: %q (available: %v)", entityType, r.Types())
	}
	return l, nil
}

// Types returns every registered entity type in registration order.
func (r *Registry) Types() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// CycleError reports a dependency cycle among registered entity types.
// A cycle is fatal and must surface before the run touches the network.
type CycleError struct {
	Cycle []string // the cycle path, first element repeated at the end
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("entity dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// ResolveOrder returns the load order for the requested entity types plus
// every dependency they pull in transitively. A nil or empty request
// resolves the full registered set. The sort is deterministic: ties break
// by registration order, so the same catalog always loads the same way.
// The order is recomputed on every call; nothing is cached across runs.
func (r *Registry) ResolveOrder(requested []string) ([]string, error) {
	include, err := r.closure(requested)
	if err != nil {
		return nil, err
	}

	placed := make(map[string]bool, len(include))
	out := make([]string, 0, len(include))
	for len(out) < len(include) {
		progressed := false
		for _, name := range r.order {
			if !include[name] || placed[name] {
				continue
			}
			if r.depsPlaced(name, include, placed) {
				placed[name] = true
				out = append(out, name)
				progressed = true
			}
		}
		if !progressed {
			return nil, &CycleError{Cycle: r.findCycle(include, placed)}
		}
	}
	return out, nil
}

// closure expands the requested set with every transitive dependency.
func (r *Registry) closure(requested []string) (map[string]bool, error) {
	include := make(map[string]bool)

	if len(requested) == 0 {
		for _, name := range r.order {
			include[name] = true
		}
		return include, nil
	}

	queue := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, exists := r.loaders[name]; !exists {
			return nil, fmt.Errorf("unknown entity type: %q (available: %v)", name, r.Types())
		}
		if !include[name] {
			include[name] = true
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, dep := range r.loaders[name].Dependencies() {
			if _, exists := r.loaders[dep]; !exists {
				return nil, fmt.Errorf("entity type %q depends on unknown type %q", name, dep)
			}
			if !include[dep] {
				include[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return include, nil
}

func (r *Registry) depsPlaced(name string, include, placed map[string]bool) bool {
	for _, dep := range r.loaders[name].Dependencies() {
		if include[dep] && !placed[dep] {
			return false
		}
	}
	return true
}

// findCycle walks the unplaced remainder to produce a readable cycle path.
func (r *Registry) findCycle(include, placed map[string]bool) []string {
	remaining := func(name string) bool { return include[name] && !placed[name] }

	var start string
	for _, name := range r.order {
		if remaining(name) {
			start = name
			break
		}
	}

	seen := map[string]int{}
	path := []string{}
	cur := start
	for {
		if idx, ok := seen[cur]; ok {
			return append(path[idx:], cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, dep := range r.loaders[cur].Dependencies() {
			if remaining(dep) {
				next = dep
				break
			}
		}
		if next == "" {
			// Should not happen: every remaining node has a remaining dep,
			// otherwise the sort would have progressed.
			return path
		}
		cur = next
	}
}

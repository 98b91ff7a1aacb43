// Package protocol defines the capability contract a lending protocol
// integration must implement, and a registry the orchestrator selects
// adapters from.
package protocol

import (
	"context"
	"fmt"
	"sort"

	"lendwatch/internal/position"
)

// Adapter fetches the normalized lending positions a wallet holds on one
// protocol. Implementations perform read-only chain lookups and must not
// keep per-wallet state across calls.
type Adapter interface {
	Name() string
	FetchPositions(ctx context.Context, wallet string) ([]position.Position, error)
}

// Registry maps protocol names to their adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("protocol %q not registered", name)
	}
	return a, nil
}

// Names lists registered protocols in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"sync"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
// Checkers run in registration order so readiness output is stable.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker. Registering the same name twice
// replaces the earlier checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].name == name {
			r.entries[i].check = check
			return
		}
	}
	r.entries = append(r.entries, entry{name: name, check: check})
}

// CheckAll runs every registered checker and returns the aggregate health
// plus the individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(entries))

	for _, e := range entries {
		st := e.check(ctx)
		if st.Name == "" {
			st.Name = e.name
		}
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}

	return healthy, statuses
}

package slotlock

import (
	"fmt"
	"sync"
)

// DefaultRegistry is used by New when Options.Name is set and
// Options.Registry is nil.
var DefaultRegistry = NewRegistry()

// Registry maps names to running Managers so callers can find a Manager
// without being handed it. Entries are removed when their Manager closes.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Lookup returns the Manager registered under name.
func (r *Registry) Lookup(name string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[name]
	return m, ok
}

// Names returns the registered names in no particular order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.managers))
	for n := range r.managers {
		names = append(names, n)
	}
	return names
}

func (r *Registry) register(name string, m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	r.managers[name] = m
	return nil
}

// Only remove name if it still refers to m.
func (r *Registry) unregister(name string, m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.managers[name] == m {
		delete(r.managers, name)
	}
}

// Lookup returns the Manager registered under name in DefaultRegistry.
func Lookup(name string) (*Manager, bool) {
	return DefaultRegistry.Lookup(name)
}

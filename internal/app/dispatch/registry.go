package dispatch

import (
	"fmt"
	"sort"
)

// Entry pairs a worker factory with its settings.
type Entry struct {
	settings Settings
	factory  Factory
}

// Name returns the worker name this entry registers.
func (e *Entry) Name() string { return e.settings.Name }

// Settings returns the entry's static metadata.
func (e *Entry) Settings() Settings { return e.settings }

// New builds a fresh worker instance from the entry's factory.
func (e *Entry) New() (Worker, error) { return e.factory(e.settings) }

// Registry is the static worker table, populated once at startup from
// configuration. There is no dynamic loading; the registered set defines the
// convergence size for every task.
type Registry struct {
	entries []*Entry
	byName  map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Entry)}
}

// Register adds a worker factory under its settings name. Names must be
// unique and non-empty.
func (r *Registry) Register(s Settings, f Factory) error {
	if s.Name == "" {
		return fmt.Errorf("worker name is required")
	}
	if f == nil {
		return fmt.Errorf("worker %q: factory is required", s.Name)
	}
	if _, exists := r.byName[s.Name]; exists {
		return fmt.Errorf("worker %q: already registered", s.Name)
	}
	if s.Replicas <= 0 {
		s.Replicas = 1
	}

	entry := &Entry{settings: s, factory: f}
	r.entries = append(r.entries, entry)
	r.byName[s.Name] = entry
	return nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// Entries returns all registered entries in registration order.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Names returns the registered worker names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// Size returns how many workers are registered. Every task converges once
// this many reports are finished.
func (r *Registry) Size() int { return len(r.entries) }

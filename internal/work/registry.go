package work

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"gradual/internal/migration"
)

// Factory builds a descriptor from the serialized arguments stored on
// a migration record.
type Factory func(args json.RawMessage) (Descriptor, error)

// Registry maps migration names to descriptor factories. It is
// populated at startup; an unknown name fails lookup explicitly.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering the same name twice
// is an error.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return &migration.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if f == nil {
		return &migration.ValidationError{Field: "factory", Reason: "must not be nil"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("descriptor %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Known reports whether name has a registered factory.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a descriptor for the given name and arguments. An unknown
// name returns a *migration.ValidationError.
func (r *Registry) New(name string, args json.RawMessage) (Descriptor, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &migration.ValidationError{Field: "name", Reason: fmt.Sprintf("no descriptor registered for %q", name)}
	}
	d, err := f(args)
	if err != nil {
		return nil, fmt.Errorf("building descriptor %q: %w", name, err)
	}
	return d, nil
}

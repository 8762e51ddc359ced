package decision

import (
	"fmt"
	"sort"
)

// Factory builds a model from its named parameters.
type Factory func(params map[string]string) (Port, error)

// Registry holds named model factories for lookup and enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty model Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Build constructs the named model.
func (r *Registry) Build(name string, params map[string]string) (Port, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown decision model %q (have %v)", name, r.List())
	}
	return f(params)
}

// List returns a sorted slice of all registered model names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package extend attaches named, lazily created extensions to Modules.
package extend

import (
	"errors"
	"fmt"
	"sort"

	"gitlab.com/stephen-fox/revkit/modules"
)

var (
	ErrAlreadyRegistered = errors.New("extension is already registered")
	ErrInvalidFactory    = errors.New("invalid extension factory")
	ErrNotRegistered     = errors.New("extension is not registered")
)

// Factory creates an extension instance for a Module.
type Factory func(m *modules.Module) (interface{}, error)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[modules.ImageInfo]map[string]interface{}),
	}
}

// Registry maps extension names to factories and memoizes one
// instance per (Module, name) pair. Modules are identified by their
// Origin, so the Module instances that an Index returns for the same
// loaded image share extensions.
//
// Instances are kept until Forget or Prune drops them. Call Prune
// with the result of Index.All to release the extensions of modules
// that have been unloaded.
//
// A Registry is not safe for concurrent use.
type Registry struct {
	factories map[string]Factory
	instances map[modules.ImageInfo]map[string]interface{}
}

// Register adds a factory under name.
func (o *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("extension name is empty - %w", ErrInvalidFactory)
	}

	if factory == nil {
		return fmt.Errorf("factory for %q is nil - %w", name, ErrInvalidFactory)
	}

	if _, exists := o.factories[name]; exists {
		return fmt.Errorf("%q - %w", name, ErrAlreadyRegistered)
	}

	o.factories[name] = factory

	return nil
}

// Names returns the registered extension names in sorted order.
func (o *Registry) Names() []string {
	names := make([]string, 0, len(o.factories))
	for name := range o.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Get returns m's instance of the named extension, creating it on
// first use. A factory error is returned as is and nothing is
// memoized, so a later Get retries.
func (o *Registry) Get(m *modules.Module, name string) (interface{}, error) {
	if m == nil {
		return nil, errors.New("module cannot be nil")
	}

	factory, ok := o.factories[name]
	if !ok {
		return nil, fmt.Errorf("%q - %w", name, ErrNotRegistered)
	}

	perModule := o.instances[m.Origin()]
	if instance, ok := perModule[name]; ok {
		return instance, nil
	}

	instance, err := factory(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create extension %q for module %s - %w",
			name, m.Name(), err)
	}

	if perModule == nil {
		perModule = make(map[string]interface{})
		o.instances[m.Origin()] = perModule
	}

	perModule[name] = instance

	return instance, nil
}

// Forget drops every instance created for m.
func (o *Registry) Forget(m *modules.Module) {
	delete(o.instances, m.Origin())
}

// Prune drops the instances of every module not in loaded and
// returns the number of modules whose instances were dropped.
func (o *Registry) Prune(loaded []*modules.Module) int {
	keep := make(map[modules.ImageInfo]struct{}, len(loaded))
	for _, m := range loaded {
		keep[m.Origin()] = struct{}{}
	}

	dropped := 0
	for origin := range o.instances {
		if _, ok := keep[origin]; !ok {
			delete(o.instances, origin)
			dropped++
		}
	}

	return dropped
}

// GetAs calls Get and asserts the instance's type.
func GetAs[T any](registry *Registry, m *modules.Module, name string) (T, error) {
	var zero T

	instance, err := registry.Get(m, name)
	if err != nil {
		return zero, err
	}

	typed, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("extension %q is a %T, not a %T", name, instance, zero)
	}

	return typed, nil
}

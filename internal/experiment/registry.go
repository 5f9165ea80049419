// Package experiment maps experiment names to definitions and turns a
// definition plus a project selection into runnable pipelines.
package experiment

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"benchrun/internal/pipeline"
)

var (
	ErrUnknownExperiment   = errors.New("unknown experiment")
	ErrDuplicateExperiment = errors.New("experiment already registered")
)

// Definition describes how an experiment treats each project.
type Definition struct {
	Name        string
	Description string
	CFlags      []string
	LDFlags     []string
	// Steps builds the action list for one project.
	Steps func(sc StepContext) []pipeline.Action
}

// Registry is the set of known experiments. Build one at startup and pass it
// to whoever needs lookups.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds d. Names must be unique.
func (r *Registry) Register(d Definition) error {
	if d.Name == "" {
		return errors.New("experiment name cannot be empty")
	}
	if d.Steps == nil {
		return fmt.Errorf("experiment %s has no steps", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateExperiment, d.Name)
	}
	r.defs[d.Name] = d
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownExperiment, name)
	}
	return d, nil
}

// Names lists registered experiments alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default returns a registry holding the built-in experiments.
func Default() *Registry {
	r := NewRegistry()
	for _, d := range []Definition{Raw(), Polly(), Empty()} {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

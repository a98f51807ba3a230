package model

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// RefSeparator joins a parent model ref and a composite node id into the ref
// of the composite's child model.
const RefSeparator = "/"

// ChildRef returns the ref addressing the child model of composite node id.
func ChildRef(parent, node string) string {
	return parent + RefSeparator + node
}

// Registry holds named top-level models. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*ProcessModel
}

// NewRegistry returns a registry holding models.
func NewRegistry(models ...*ProcessModel) (*Registry, error) {
	r := &Registry{models: make(map[string]*ProcessModel)}
	for _, m := range models {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds m under its name. Names must be unique and must not contain
// the ref separator.
func (r *Registry) Register(m *ProcessModel) error {
	if strings.Contains(m.Name(), RefSeparator) {
		return fmt.Errorf("model name %q must not contain %q", m.Name(), RefSeparator)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.models[m.Name()]; dup {
		return fmt.Errorf("model %q already registered", m.Name())
	}
	r.models[m.Name()] = m
	return nil
}

// Lookup resolves ref. A plain name selects a registered model;
// "order/pay" selects the child model of composite node "pay" in "order",
// and so on for deeper nesting.
func (r *Registry) Lookup(ref string) (*ProcessModel, error) {
	parts := strings.Split(ref, RefSeparator)

	r.mu.RLock()
	m, ok := r.models[parts[0]]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownModelError{Ref: ref}
	}

	for _, id := range parts[1:] {
		n, ok := m.Node(id)
		if !ok || n.Kind != KindComposite || n.Child == nil {
			return nil, &UnknownModelError{Ref: ref}
		}
		m = n.Child
	}
	return m, nil
}

// Names returns registered model names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

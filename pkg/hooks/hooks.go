// Package hooks dispatches pre-delete and post-delete callbacks. The
// Registry is an explicit capability handed to the deletion executor, not a
// process-wide signal table, so test doubles and concurrent callers never
// interfere with each other.
package hooks

import (
	"context"

	"github.com/cascade-orm/cascade/pkg/schema"
)

// Hook is invoked once per instance, inside the deletion transaction. A
// returned error aborts the run and rolls everything back.
type Hook func(ctx context.Context, model *schema.Model, pk any) error

// Registry holds the hooks registered per model.
type Registry struct {
	preDelete  map[string][]Hook
	postDelete map[string][]Hook
}

// NewRegistry returns an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{
		preDelete:  make(map[string][]Hook),
		postDelete: make(map[string][]Hook),
	}
}

// PreDelete registers a hook fired before any row of the model is deleted.
func (r *Registry) PreDelete(m *schema.Model, h Hook) {
	r.preDelete[m.Name] = append(r.preDelete[m.Name], h)
}

// PostDelete registers a hook fired after the model's rows are deleted.
func (r *Registry) PostDelete(m *schema.Model, h Hook) {
	r.postDelete[m.Name] = append(r.postDelete[m.Name], h)
}

// Has reports whether any hook is registered for the model. Models with
// hooks are never eligible for fast deletion: hooks need materialized rows.
func (r *Registry) Has(m *schema.Model) bool {
	return len(r.preDelete[m.Name]) > 0 || len(r.postDelete[m.Name]) > 0
}

// FirePreDelete invokes the model's pre-delete hooks for one instance.
func (r *Registry) FirePreDelete(ctx context.Context, m *schema.Model, pk any) error {
	for _, h := range r.preDelete[m.Name] {
		if err := h(ctx, m, pk); err != nil {
			return err
		}
	}
	return nil
}

// FirePostDelete invokes the model's post-delete hooks for one instance.
func (r *Registry) FirePostDelete(ctx context.Context, m *schema.Model, pk any) error {
	for _, h := range r.postDelete[m.Name] {
		if err := h(ctx, m, pk); err != nil {
			return err
		}
	}
	return nil
}

package deletion

import (
	"context"

	"github.com/cascade-orm/cascade/pkg/hooks"
	"github.com/cascade-orm/cascade/pkg/logger"
	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
)

// Roots builds the root batch for a deletion call from identities the caller
// already holds.
func Roots(ids ...storage.Identity) *Batch {
	b := &Batch{}
	for _, id := range ids {
		if b.Model == nil {
			b.Model = id.Model
		}
		b.IDs = append(b.IDs, id.PK)
	}
	return b
}

// Deleter is the caller-facing surface: it bundles the metadata registry,
// the datastore and the hook registry, and runs collect-then-execute per
// call. A Deleter is safe for concurrent use; every call gets its own
// Collector.
type Deleter struct {
	registry *schema.Registry
	store    storage.Datastore
	hooks    *hooks.Registry
	logger   logger.Logger
}

// DeleterOption configures a Deleter.
type DeleterOption func(*Deleter)

// WithDeleterHooks attaches a hook registry used by every run.
func WithDeleterHooks(h *hooks.Registry) DeleterOption {
	return func(d *Deleter) { d.hooks = h }
}

// WithDeleterLogger attaches a logger used by every run.
func WithDeleterLogger(l logger.Logger) DeleterOption {
	return func(d *Deleter) { d.logger = l }
}

// NewDeleter validates the registry and returns a Deleter. Malformed
// relation metadata surfaces here as *schema.ConfigurationError, before any
// traversal can happen.
func NewDeleter(reg *schema.Registry, store storage.Datastore, opts ...DeleterOption) (*Deleter, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	d := &Deleter{registry: reg, store: store}
	for _, opt := range opts {
		opt(d)
	}
	if d.hooks == nil {
		d.hooks = hooks.NewRegistry()
	}
	if d.logger == nil {
		d.logger = logger.NewNoopLogger()
	}
	return d, nil
}

// Delete resolves and executes the cascading deletion of the given roots.
// It fails with *ProtectedError or *RestrictedError before any mutation, and
// rolls back entirely on storage errors.
func (d *Deleter) Delete(ctx context.Context, roots *Batch, opts ...CollectorOption) (*Result, error) {
	copts := append([]CollectorOption{
		WithHooks(d.hooks),
		WithLogger(d.logger),
	}, opts...)

	c := NewCollector(d.registry, d.store, copts...)
	if err := c.Collect(ctx, roots); err != nil {
		return nil, err
	}

	e := NewExecutor(d.store, WithExecutorLogger(d.logger))
	return e.Run(ctx, c)
}

// Hooks exposes the deleter's hook registry for registration.
func (d *Deleter) Hooks() *hooks.Registry { return d.hooks }

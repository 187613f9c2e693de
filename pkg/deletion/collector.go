// Package deletion resolves cascading deletions: given root records, it
// discovers every row that must be deleted or updated as a consequence of
// the relations between models, orders the work so referential constraints
// hold, and executes it in one transaction.
package deletion

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/cascade-orm/cascade/pkg/hooks"
	"github.com/cascade-orm/cascade/pkg/logger"
	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
)

var tracer = otel.Tracer("pkg/deletion")

// fieldUpdate is a pending SetNull/SetDefault/Set mutation, grouped so a
// single UPDATE per (model, field, value) triple suffices.
type fieldUpdate struct {
	field string
	value any
	ids   *InstanceSet
}

// restriction is a deferred Restrict check: the referencing rows found
// during fan-out, validated only after the whole graph is known, because a
// row may become "already scheduled" through a path discovered later.
type restriction struct {
	rel *schema.Relation
	ids *InstanceSet
}

// Collector walks the relation graph from a root batch and accumulates the
// full deletion plan. A Collector belongs to exactly one deletion run; it is
// never shared and never reused.
type Collector struct {
	registry    *schema.Registry
	store       storage.Datastore
	hooks       *hooks.Registry
	logger      logger.Logger
	keepParents bool

	collected    map[*schema.Model]*InstanceSet
	instances    map[*schema.Model][]*storage.Instance
	discovery    []*schema.Model
	deps         *DependencyGraph
	fieldUpdates map[*schema.Model][]*fieldUpdate
	updateOrder  []*schema.Model
	fastDeletes  []*storage.Filter
	restrictions []*restriction
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithHooks attaches the hook registry consulted for fast-delete eligibility
// and fired by the executor.
func WithHooks(h *hooks.Registry) CollectorOption {
	return func(c *Collector) { c.hooks = h }
}

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) CollectorOption {
	return func(c *Collector) { c.logger = l }
}

// WithKeepParents skips collection of multi-table-inheritance parent rows,
// deleting only the child rows of the roots.
func WithKeepParents() CollectorOption {
	return func(c *Collector) { c.keepParents = true }
}

// NewCollector returns a Collector over the given metadata and datastore.
func NewCollector(reg *schema.Registry, store storage.Datastore, opts ...CollectorOption) *Collector {
	c := &Collector{
		registry:     reg,
		store:        store,
		collected:    make(map[*schema.Model]*InstanceSet),
		instances:    make(map[*schema.Model][]*storage.Instance),
		deps:         NewDependencyGraph(),
		fieldUpdates: make(map[*schema.Model][]*fieldUpdate),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hooks == nil {
		c.hooks = hooks.NewRegistry()
	}
	if c.logger == nil {
		c.logger = logger.NewNoopLogger()
	}
	return c
}

// Collect expands the root batch into the full deletion plan. It fails with
// *ProtectedError or *RestrictedError before any mutation; storage errors
// are returned wrapped. Each (model, primary key) pair is visited at most
// once, which is the sole recursion guard and what terminates cycles.
func (c *Collector) Collect(ctx context.Context, roots *Batch) error {
	ctx, span := tracer.Start(ctx, "Collect")
	defer span.End()

	if roots == nil || roots.Model == nil || (len(roots.IDs) == 0 && roots.Filter == nil) {
		return ErrEmptyBatch
	}
	if err := c.collect(ctx, roots, nil, nil, false, true, false); err != nil {
		return err
	}
	return c.checkRestrictions(ctx)
}

// collect processes one batch. source and via describe the relation that
// caused the call (nil for the roots). collectRelated=false fetches the rows
// without fanning out into their own referencing relations (used for
// inheritance parents). reverseDependency flips the recorded dependency
// edge, because a parent is traversed as if it were a source but must be
// deleted after the child.
func (c *Collector) collect(
	ctx context.Context,
	batch *Batch,
	source *schema.Model,
	via *schema.Relation,
	nullable bool,
	collectRelated bool,
	reverseDependency bool,
) error {
	model := batch.Model

	if batch.filterable() && c.canFastDelete(model, via) {
		c.fastDeletes = append(c.fastDeletes, batch.Filter)
		c.logger.Debug("fast delete branch",
			zap.String("model", model.Label()),
			zap.String("column", batch.Filter.Column()),
		)
		return nil
	}

	ids, err := batch.resolve(ctx, c.store)
	if err != nil {
		return fmt.Errorf("resolve %s batch: %w", model.Label(), err)
	}
	if len(ids) == 0 {
		return nil
	}

	set := c.ensure(model)
	newIDs := make([]any, 0, len(ids))
	for _, pk := range ids {
		if set.Add(pk) {
			newIDs = append(newIDs, pk)
		}
	}
	c.instances[model] = append(c.instances[model], batch.Instances...)

	if source != nil && !nullable {
		after, before := source, model
		if reverseDependency {
			after, before = model, source
		}
		c.deps.AddDependency(after, before)
	}

	// Everything in the batch was already scheduled through another path;
	// this is what terminates diamonds and cycles.
	if len(newIDs) == 0 {
		return nil
	}

	c.logger.Debug("collected",
		zap.String("model", model.Label()),
		zap.Int("new", len(newIDs)),
	)

	// Inheritance parents are fetched, not cascaded from: their own
	// referencing relations are handled when the parent model itself is
	// the target of a collect call from elsewhere.
	if !c.keepParents {
		for _, link := range c.registry.ParentLinks(model) {
			parentIDs, err := c.parentIDs(ctx, model, link, newIDs)
			if err != nil {
				return err
			}
			parents := &Batch{Model: link.To, IDs: parentIDs}
			if err := c.collect(ctx, parents, model, link, false, false, true); err != nil {
				return err
			}
		}
	}

	if !collectRelated {
		return nil
	}

	for _, rel := range c.registry.RelationsTargeting(model) {
		if rel.Virtual {
			// Computed references (polymorphic keys) are always
			// cascaded and never constrain deletion order.
			related, err := c.related(ctx, rel, newIDs)
			if err != nil {
				return err
			}
			if len(related) > 0 {
				sub := &Batch{Model: rel.From, IDs: related}
				if err := c.collect(ctx, sub, model, rel, true, true, false); err != nil {
					return err
				}
			}
			continue
		}

		switch policy := rel.OnDelete.(type) {
		case schema.DoNothingPolicy:
			continue

		case schema.CascadePolicy:
			sub := NewFilterBatch(&storage.Filter{
				Model:  rel.From,
				Field:  rel.Field,
				Values: newIDs,
			})
			if err := c.collect(ctx, sub, model, rel, rel.Nullable, true, false); err != nil {
				return err
			}

		case schema.ProtectPolicy:
			related, err := c.related(ctx, rel, newIDs)
			if err != nil {
				return err
			}
			if len(related) > 0 {
				return &ProtectedError{Relation: rel, Protected: related}
			}

		case schema.RestrictPolicy:
			related, err := c.related(ctx, rel, newIDs)
			if err != nil {
				return err
			}
			if len(related) > 0 {
				c.addRestriction(rel, related)
				// If the referencing rows do end up collected via
				// a cascade path, they must go first.
				c.deps.AddDependency(model, rel.From)
			}

		case schema.SetNullPolicy:
			if err := c.collectFieldUpdate(ctx, rel, nil, newIDs); err != nil {
				return err
			}

		case schema.SetDefaultPolicy:
			if err := c.collectFieldUpdate(ctx, rel, rel.Default, newIDs); err != nil {
				return err
			}

		case schema.SetPolicy:
			if err := c.collectFieldUpdate(ctx, rel, policy.Resolve(), newIDs); err != nil {
				return err
			}

		default:
			return &schema.ConfigurationError{
				Relation: rel.Label(),
				Reason:   fmt.Sprintf("unknown on_delete policy %T", rel.OnDelete),
			}
		}
	}

	return nil
}

// ensure registers a model in the plan, preserving discovery order.
func (c *Collector) ensure(model *schema.Model) *InstanceSet {
	set, ok := c.collected[model]
	if !ok {
		set = NewInstanceSet()
		c.collected[model] = set
		c.discovery = append(c.discovery, model)
		c.deps.AddModel(model)
	}
	return set
}

// related resolves the referencing row identities for one relation.
func (c *Collector) related(ctx context.Context, rel *schema.Relation, ids []any) ([]any, error) {
	related, err := c.store.ResolveRelated(ctx, rel, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", rel.Label(), err)
	}
	return related, nil
}

// parentIDs fetches the inheritance parent identities for the given child
// rows. When the link column is the child's primary key (the common shared-pk
// layout), no query is needed.
func (c *Collector) parentIDs(ctx context.Context, model *schema.Model, link *schema.Relation, ids []any) ([]any, error) {
	if link.Field == model.PK {
		out := make([]any, len(ids))
		copy(out, ids)
		return out, nil
	}
	parents, err := c.store.ResolveColumn(ctx, model, link.Field, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve parent link %s: %w", link.Label(), err)
	}
	return parents, nil
}

// collectFieldUpdate registers a pending single-column update for the rows
// referencing ids through rel. The rows are mutated, not deleted, so they
// are never recursed into.
func (c *Collector) collectFieldUpdate(ctx context.Context, rel *schema.Relation, value any, ids []any) error {
	related, err := c.related(ctx, rel, ids)
	if err != nil {
		return err
	}
	if len(related) == 0 {
		return nil
	}

	updates, ok := c.fieldUpdates[rel.From]
	if !ok {
		c.updateOrder = append(c.updateOrder, rel.From)
	}
	var entry *fieldUpdate
	for _, u := range updates {
		if u.field == rel.Field && u.value == value {
			entry = u
			break
		}
	}
	if entry == nil {
		entry = &fieldUpdate{field: rel.Field, value: value, ids: NewInstanceSet()}
		c.fieldUpdates[rel.From] = append(updates, entry)
	}
	for _, pk := range related {
		entry.ids.Add(pk)
	}
	return nil
}

// addRestriction records referencing rows for post-traversal validation.
func (c *Collector) addRestriction(rel *schema.Relation, ids []any) {
	var entry *restriction
	for _, r := range c.restrictions {
		if r.rel == rel {
			entry = r
			break
		}
	}
	if entry == nil {
		entry = &restriction{rel: rel, ids: NewInstanceSet()}
		c.restrictions = append(c.restrictions, entry)
	}
	for _, pk := range ids {
		entry.ids.Add(pk)
	}
}

// checkRestrictions runs after traversal completes: every row held back by a
// Restrict relation must have been independently scheduled for deletion via
// a cascade path, or the whole run fails. Rows scheduled through a lazy
// fast-delete branch count as scheduled; their filters are materialized here.
func (c *Collector) checkRestrictions(ctx context.Context) error {
	if len(c.restrictions) == 0 {
		return nil
	}

	fastScheduled := make(map[*schema.Model]*InstanceSet)
	for _, f := range c.fastDeletes {
		ids, err := c.store.ResolveFilter(ctx, f)
		if err != nil {
			return fmt.Errorf("resolve %s fast-delete filter: %w", f.Model.Label(), err)
		}
		set, ok := fastScheduled[f.Model]
		if !ok {
			set = NewInstanceSet()
			fastScheduled[f.Model] = set
		}
		for _, pk := range ids {
			set.Add(pk)
		}
	}

	for _, r := range c.restrictions {
		scheduled := c.collected[r.rel.From]
		fast := fastScheduled[r.rel.From]
		var remaining []any
		for _, pk := range r.ids.Values() {
			if scheduled != nil && scheduled.Contains(pk) {
				continue
			}
			if fast != nil && fast.Contains(pk) {
				continue
			}
			remaining = append(remaining, pk)
		}
		if len(remaining) > 0 {
			return &RestrictedError{Relation: r.rel, Restricted: remaining}
		}
	}
	return nil
}

// Models returns the collected models in discovery order.
func (c *Collector) Models() []*schema.Model {
	out := make([]*schema.Model, len(c.discovery))
	copy(out, c.discovery)
	return out
}

// CollectedIDs returns the primary keys collected for a model, in insertion
// order.
func (c *Collector) CollectedIDs(m *schema.Model) []any {
	set, ok := c.collected[m]
	if !ok {
		return nil
	}
	return set.Values()
}

// FastDeletes returns the bulk filter-delete specifications gathered during
// collection.
func (c *Collector) FastDeletes() []*storage.Filter {
	out := make([]*storage.Filter, len(c.fastDeletes))
	copy(out, c.fastDeletes)
	return out
}

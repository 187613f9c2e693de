// Package schema holds the relationship metadata the deletion resolver
// traverses: models, the relations pointing between them, and the on-delete
// policy attached to each relation. A Registry is immutable once validated
// and may be shared by any number of deletion runs.
package schema

import (
	"fmt"
)

// Model describes one record type and the table backing it.
type Model struct {
	// Name is the unique label for the model, e.g. "Avatar".
	Name string

	// Table is the backing table name. Defaults to a lowercased Name.
	Table string

	// PK is the primary key column. Defaults to "id".
	PK string

	// AutoCreated marks implicit join ("through") models generated for
	// many-to-many relations. Deletion hooks never fire for their rows.
	AutoCreated bool
}

// Label returns the caller-facing identifier used in deletion counts and in
// policy violation errors.
func (m *Model) Label() string { return m.Name }

// Relation is one foreign reference between two models: rows of From carry a
// Field that points at rows of To. Relations are read-only during a deletion
// run; they are owned by the Registry.
type Relation struct {
	// From is the referencing model (the one holding the foreign key).
	From *Model

	// Field is the referencing column on From.
	Field string

	// To is the referenced model.
	To *Model

	// Nullable reports whether Field may hold NULL.
	Nullable bool

	// OnDelete is the policy applied to rows of From when a row of To is
	// deleted.
	OnDelete OnDelete

	// ParentLink marks the 1:1 link from a multi-table-inheritance child
	// row to its parent row. The parent must be deleted after the child.
	ParentLink bool

	// Virtual marks computed references (e.g. polymorphic keys) that are
	// not plain foreign keys. Virtual relations are always cascaded and
	// never add dependency edges.
	Virtual bool

	// Default is the declared default for Field, used by SetDefault.
	Default any

	// HasDefault reports whether Default was declared at all; a nil
	// Default with HasDefault set means "default to NULL".
	HasDefault bool
}

// Label identifies the relation in error messages, e.g. "A.protect".
func (r *Relation) Label() string {
	return fmt.Sprintf("%s.%s", r.From.Name, r.Field)
}

// ConfigurationError reports malformed relation metadata. It is a programmer
// error: raised when a registry is validated or a collector is set up, never
// mid-traversal, and never retried.
type ConfigurationError struct {
	Relation string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid relation %q: %s", e.Relation, e.Reason)
}

// Registry is the relationship metadata registry: given a model it yields
// the relations pointing at it, and the inheritance parent links hanging off
// it. Build one with AddModel/AddRelation, then Validate before use.
type Registry struct {
	models    map[string]*Model
	order     []*Model
	relations []*Relation
	byTarget  map[string][]*Relation
	parents   map[string][]*Relation
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		models:   make(map[string]*Model),
		byTarget: make(map[string][]*Relation),
		parents:  make(map[string][]*Relation),
	}
}

// AddModel registers a model, filling in table and pk defaults. Registering
// the same name twice returns the existing model.
func (r *Registry) AddModel(m *Model) *Model {
	if existing, ok := r.models[m.Name]; ok {
		return existing
	}
	if m.Table == "" {
		m.Table = lower(m.Name)
	}
	if m.PK == "" {
		m.PK = "id"
	}
	r.models[m.Name] = m
	r.order = append(r.order, m)
	return m
}

// AddRelation registers a relation between two already-registered models.
func (r *Registry) AddRelation(rel *Relation) *Relation {
	r.relations = append(r.relations, rel)
	r.byTarget[rel.To.Name] = append(r.byTarget[rel.To.Name], rel)
	if rel.ParentLink {
		r.parents[rel.From.Name] = append(r.parents[rel.From.Name], rel)
	}
	return rel
}

// Model looks a model up by name.
func (r *Registry) Model(name string) (*Model, bool) {
	m, ok := r.models[name]
	return m, ok
}

// Models returns every registered model in registration order.
func (r *Registry) Models() []*Model { return r.order }

// RelationsTargeting returns every relation whose To is the given model, in
// registration order. The slice is owned by the registry; callers must not
// mutate it.
func (r *Registry) RelationsTargeting(m *Model) []*Relation {
	return r.byTarget[m.Name]
}

// ParentLinks returns the multi-table-inheritance links from the given child
// model to its parent models.
func (r *Registry) ParentLinks(m *Model) []*Relation {
	return r.parents[m.Name]
}

// Validate checks every relation for declarations the resolver cannot honor.
// It returns the first *ConfigurationError found.
func (r *Registry) Validate() error {
	for _, rel := range r.relations {
		if rel.From == nil || rel.To == nil {
			return &ConfigurationError{Relation: rel.Field, Reason: "relation endpoints must be registered models"}
		}
		if rel.OnDelete == nil {
			return &ConfigurationError{Relation: rel.Label(), Reason: "on_delete policy is required"}
		}
		switch p := rel.OnDelete.(type) {
		case SetNullPolicy:
			if !rel.Nullable {
				return &ConfigurationError{Relation: rel.Label(), Reason: "set_null requires a nullable field"}
			}
		case SetDefaultPolicy:
			if !rel.HasDefault {
				return &ConfigurationError{Relation: rel.Label(), Reason: "set_default requires a declared field default"}
			}
		case SetPolicy:
			if p.Provider == nil && p.Value == nil && !rel.Nullable {
				return &ConfigurationError{Relation: rel.Label(), Reason: "set(nil) requires a nullable field"}
			}
		case CascadePolicy, ProtectPolicy, RestrictPolicy, DoNothingPolicy:
		default:
			return &ConfigurationError{Relation: rel.Label(), Reason: fmt.Sprintf("unknown on_delete policy %T", rel.OnDelete)}
		}
	}
	return nil
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Package storage defines the seams between the deletion resolver and the
// underlying database: identity resolution for relations, bulk mutation, and
// transaction control. Engine backends live in the subpackages.
package storage

import (
	"context"
	"fmt"

	"github.com/cascade-orm/cascade/pkg/schema"
)

// DefaultMaxBatchSize bounds the number of parameters placed in a single
// statement (IN lists, batched deletes).
const DefaultMaxBatchSize = 100

// Identity names one record for the duration of a deletion run. Two
// identities are equal iff model and primary key compare equal. Identities
// are never mutated; the resolver uses them as set and map keys instead of
// holding object references, which is what keeps cyclic record graphs safe.
type Identity struct {
	Model *schema.Model
	PK    any
}

func (id Identity) String() string {
	return fmt.Sprintf("%s(%v)", id.Model.Label(), id.PK)
}

// Instance is a materialized record: an identity plus whatever field values
// the caller has loaded. The executor writes post-commit effects (cleared
// primary keys, applied field updates) back into held instances; it never
// reads them.
type Instance struct {
	Model  *schema.Model
	PK     any
	Fields map[string]any
}

// Filter is an opaque bulk-delete specification: rows of Model whose Field
// is one of Values. An empty Field means the primary key column.
type Filter struct {
	Model  *schema.Model
	Field  string
	Values []any
}

// Column returns the column the filter constrains.
func (f *Filter) Column() string {
	if f.Field == "" {
		return f.Model.PK
	}
	return f.Field
}

// Datastore is the read side of the query layer plus transaction control.
// Implementations must be safe for use by concurrent deletion runs; each run
// otherwise holds no shared state.
type Datastore interface {
	// ResolveRelated returns the primary keys of rel.From rows whose
	// rel.Field references one of the given rel.To primary keys.
	ResolveRelated(ctx context.Context, rel *schema.Relation, ids []any) ([]any, error)

	// ResolveColumn returns the value of the named column for each of the
	// given rows, in the same order. Used to fetch inheritance parent
	// pointers.
	ResolveColumn(ctx context.Context, m *schema.Model, column string, ids []any) ([]any, error)

	// ResolveFilter materializes the primary keys matched by a filter.
	ResolveFilter(ctx context.Context, f *Filter) ([]any, error)

	// Begin opens the transaction a deletion run executes in.
	Begin(ctx context.Context) (Tx, error)

	// SupportsDeferredConstraints reports whether the engine checks
	// foreign keys at commit time. When true the resolver skips
	// dependency ordering and deletes in discovery order.
	SupportsDeferredConstraints() bool

	// MaxBatchSize returns the statement parameter budget.
	MaxBatchSize() int

	// Close releases the underlying connections.
	Close()
}

// Tx is the mutation side of the query layer, scoped to one transaction.
// Any error from a mutation leaves the transaction poisoned; callers roll
// back and surface the error unchanged.
type Tx interface {
	// DeleteByIDs removes the rows with the given primary keys and
	// returns the number of rows actually deleted.
	DeleteByIDs(ctx context.Context, m *schema.Model, ids []any) (int64, error)

	// DeleteWhere removes every row matched by the filter.
	DeleteWhere(ctx context.Context, f *Filter) (int64, error)

	// UpdateWhere sets one column to one value on the rows with the given
	// primary keys and returns the number of rows updated.
	UpdateWhere(ctx context.Context, m *schema.Model, field string, value any, ids []any) (int64, error)

	Commit() error
	Rollback() error
}

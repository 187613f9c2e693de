package deletion

import (
	"context"
	"errors"

	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
)

// ErrEmptyBatch is returned when a deletion is attempted with no roots.
var ErrEmptyBatch = errors.New("deletion batch is empty")

// Batch is a homogeneous collection of records of one model: either
// materialized primary keys (possibly carried by instances the caller still
// holds) or a lazy filter the storage layer can evaluate. Only lazy batches
// are candidates for fast deletion.
type Batch struct {
	Model     *schema.Model
	IDs       []any
	Instances []*storage.Instance
	Filter    *storage.Filter
}

// NewBatch builds a materialized batch from primary keys.
func NewBatch(m *schema.Model, pks ...any) *Batch {
	return &Batch{Model: m, IDs: pks}
}

// NewInstanceBatch builds a materialized batch from loaded instances. The
// executor clears their primary keys after a successful commit.
func NewInstanceBatch(instances ...*storage.Instance) *Batch {
	b := &Batch{Instances: instances}
	if len(instances) > 0 {
		b.Model = instances[0].Model
		for _, inst := range instances {
			b.IDs = append(b.IDs, inst.PK)
		}
	}
	return b
}

// NewFilterBatch builds a lazy batch from a storage filter.
func NewFilterBatch(f *storage.Filter) *Batch {
	return &Batch{Model: f.Model, Filter: f}
}

// filterable reports whether the batch can be handed to the storage layer as
// a bulk filter without materializing rows.
func (b *Batch) filterable() bool {
	return b.Filter != nil && len(b.IDs) == 0
}

// resolve materializes the batch's primary keys.
func (b *Batch) resolve(ctx context.Context, store storage.Datastore) ([]any, error) {
	if len(b.IDs) > 0 || b.Filter == nil {
		return b.IDs, nil
	}
	ids, err := store.ResolveFilter(ctx, b.Filter)
	if err != nil {
		return nil, err
	}
	b.IDs = ids
	return ids, nil
}

// Package memory provides an ephemeral, map-backed implementation of
// [storage.Datastore]. It enforces no referential constraints of its own and
// is primarily used by the resolver test suites.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/cascade-orm/cascade/pkg/logger"
	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
)

// Datastore is an in-memory table store. It may be shared by multiple
// goroutines; transactions take a full snapshot on begin, so rollback
// restores the exact pre-transaction state.
type Datastore struct {
	mu           sync.Mutex
	logger       logger.Logger
	maxBatchSize int
	deferred     bool

	// model name -> table
	tables map[string]*table
}

type table struct {
	// pk -> row fields
	rows map[any]map[string]any
	// insertion order of pks, for deterministic scans
	order []any
}

// Option configures the Datastore.
type Option func(*Datastore)

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Datastore) { d.logger = l }
}

// WithMaxBatchSize overrides the statement parameter budget reported to the
// resolver.
func WithMaxBatchSize(n int) Option {
	return func(d *Datastore) { d.maxBatchSize = n }
}

// WithDeferredConstraints makes the datastore claim commit-time constraint
// checking, which disables dependency ordering in the resolver. Useful for
// exercising both executor paths.
func WithDeferredConstraints() Option {
	return func(d *Datastore) { d.deferred = true }
}

var _ storage.Datastore = (*Datastore)(nil)

// New returns an empty in-memory datastore.
func New(opts ...Option) *Datastore {
	d := &Datastore{
		tables:       make(map[string]*table),
		maxBatchSize: storage.DefaultMaxBatchSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.NewNoopLogger()
	}
	return d
}

func (d *Datastore) table(m *schema.Model) *table {
	t, ok := d.tables[m.Name]
	if !ok {
		t = &table{rows: make(map[any]map[string]any)}
		d.tables[m.Name] = t
	}
	return t
}

// Insert stores a row and returns its primary key, generating a ULID when
// the fields carry none.
func (d *Datastore) Insert(m *schema.Model, fields map[string]any) any {
	d.mu.Lock()
	defer d.mu.Unlock()

	row := make(map[string]any, len(fields))
	for k, v := range fields {
		row[k] = v
	}
	pk, ok := row[m.PK]
	if !ok || pk == nil {
		pk = ulid.Make().String()
		row[m.PK] = pk
	}

	t := d.table(m)
	if _, exists := t.rows[pk]; !exists {
		t.order = append(t.order, pk)
	}
	t.rows[pk] = row
	return pk
}

// Get returns a copy of one row.
func (d *Datastore) Get(m *schema.Model, pk any) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[m.Name]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[pk]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, true
}

// Count returns the number of rows stored for a model.
func (d *Datastore) Count(m *schema.Model) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[m.Name]
	if !ok {
		return 0
	}
	return len(t.rows)
}

// ResolveRelated see [storage.Datastore].ResolveRelated.
func (d *Datastore) ResolveRelated(_ context.Context, rel *schema.Relation, ids []any) ([]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	want := make(map[any]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	t, ok := d.tables[rel.From.Name]
	if !ok {
		return nil, nil
	}
	var out []any
	for _, pk := range t.order {
		row, ok := t.rows[pk]
		if !ok {
			continue
		}
		ref := row[rel.Field]
		if ref == nil {
			continue
		}
		if _, hit := want[ref]; hit {
			out = append(out, pk)
		}
	}
	return out, nil
}

// ResolveColumn see [storage.Datastore].ResolveColumn.
func (d *Datastore) ResolveColumn(_ context.Context, m *schema.Model, column string, ids []any) ([]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tables[m.Name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", m.Label(), storage.ErrUnknownModel)
	}
	out := make([]any, 0, len(ids))
	for _, pk := range ids {
		row, ok := t.rows[pk]
		if !ok {
			return nil, fmt.Errorf("%s row %v: %w", m.Label(), pk, storage.ErrNotFound)
		}
		out = append(out, row[column])
	}
	return out, nil
}

// ResolveFilter see [storage.Datastore].ResolveFilter.
func (d *Datastore) ResolveFilter(_ context.Context, f *storage.Filter) ([]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveFilterLocked(f), nil
}

func (d *Datastore) resolveFilterLocked(f *storage.Filter) []any {
	t, ok := d.tables[f.Model.Name]
	if !ok {
		return nil
	}

	col := f.Column()
	if col == f.Model.PK {
		var out []any
		for _, pk := range f.Values {
			if _, exists := t.rows[pk]; exists {
				out = append(out, pk)
			}
		}
		return out
	}

	want := make(map[any]struct{}, len(f.Values))
	for _, v := range f.Values {
		want[v] = struct{}{}
	}
	var out []any
	for _, pk := range t.order {
		row, ok := t.rows[pk]
		if !ok {
			continue
		}
		v := row[col]
		if v == nil {
			continue
		}
		if _, hit := want[v]; hit {
			out = append(out, pk)
		}
	}
	return out
}

// Begin see [storage.Datastore].Begin. The transaction snapshots every table
// so Rollback restores the pre-transaction state byte for byte.
func (d *Datastore) Begin(_ context.Context) (storage.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := make(map[string]*table, len(d.tables))
	for name, t := range d.tables {
		rows := make(map[any]map[string]any, len(t.rows))
		for pk, row := range t.rows {
			cp := make(map[string]any, len(row))
			for k, v := range row {
				cp[k] = v
			}
			rows[pk] = cp
		}
		order := make([]any, len(t.order))
		copy(order, t.order)
		snapshot[name] = &table{rows: rows, order: order}
	}

	return &memTx{ds: d, snapshot: snapshot}, nil
}

// SupportsDeferredConstraints see [storage.Datastore].
func (d *Datastore) SupportsDeferredConstraints() bool { return d.deferred }

// MaxBatchSize see [storage.Datastore].
func (d *Datastore) MaxBatchSize() int { return d.maxBatchSize }

// Close see [storage.Datastore].
func (d *Datastore) Close() {}

type memTx struct {
	ds       *Datastore
	snapshot map[string]*table
	done     bool
}

var _ storage.Tx = (*memTx)(nil)

func (t *memTx) DeleteByIDs(_ context.Context, m *schema.Model, ids []any) (int64, error) {
	t.ds.mu.Lock()
	defer t.ds.mu.Unlock()
	if t.done {
		return 0, storage.ErrTxDone
	}
	return t.ds.deleteLocked(m, ids), nil
}

func (t *memTx) DeleteWhere(_ context.Context, f *storage.Filter) (int64, error) {
	t.ds.mu.Lock()
	defer t.ds.mu.Unlock()
	if t.done {
		return 0, storage.ErrTxDone
	}
	ids := t.ds.resolveFilterLocked(f)
	return t.ds.deleteLocked(f.Model, ids), nil
}

func (t *memTx) UpdateWhere(_ context.Context, m *schema.Model, field string, value any, ids []any) (int64, error) {
	t.ds.mu.Lock()
	defer t.ds.mu.Unlock()
	if t.done {
		return 0, storage.ErrTxDone
	}
	tbl, ok := t.ds.tables[m.Name]
	if !ok {
		return 0, nil
	}
	var count int64
	for _, pk := range ids {
		if row, exists := tbl.rows[pk]; exists {
			row[field] = value
			count++
		}
	}
	return count, nil
}

func (t *memTx) Commit() error {
	t.ds.mu.Lock()
	defer t.ds.mu.Unlock()
	if t.done {
		return storage.ErrTxDone
	}
	t.done = true
	t.snapshot = nil
	return nil
}

func (t *memTx) Rollback() error {
	t.ds.mu.Lock()
	defer t.ds.mu.Unlock()
	if t.done {
		return storage.ErrTxDone
	}
	t.ds.tables = t.snapshot
	t.done = true
	t.snapshot = nil
	return nil
}

func (d *Datastore) deleteLocked(m *schema.Model, ids []any) int64 {
	t, ok := d.tables[m.Name]
	if !ok {
		return 0
	}
	var count int64
	for _, pk := range ids {
		if _, exists := t.rows[pk]; exists {
			delete(t.rows, pk)
			count++
		}
	}
	if count > 0 {
		kept := t.order[:0]
		for _, pk := range t.order {
			if _, exists := t.rows[pk]; exists {
				kept = append(kept, pk)
			}
		}
		t.order = kept
	}
	return count
}

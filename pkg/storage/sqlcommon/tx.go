package sqlcommon

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
)

// Tx implements [storage.Tx] over a database/sql transaction. Retry wraps
// each statement; engines that need it (sqlite busy errors) install a real
// retry, everyone else the identity.
type Tx struct {
	inner    *sql.Tx
	stbl     sq.StatementBuilderType
	handle   ErrorHandler
	maxBatch int
	retry    func(func() error) error
}

var _ storage.Tx = (*Tx)(nil)

// NewTx wraps a started transaction. stbl must already carry the engine's
// placeholder format; it is re-bound to run against the transaction.
func NewTx(inner *sql.Tx, stbl sq.StatementBuilderType, handle ErrorHandler, maxBatch int, retry func(func() error) error) *Tx {
	if retry == nil {
		retry = func(fn func() error) error { return fn() }
	}
	return &Tx{
		inner:    inner,
		stbl:     stbl.RunWith(inner),
		handle:   handle,
		maxBatch: maxBatch,
		retry:    retry,
	}
}

// DeleteByIDs see [storage.Tx].DeleteByIDs.
func (t *Tx) DeleteByIDs(ctx context.Context, m *schema.Model, ids []any) (int64, error) {
	ctx, span := tracer.Start(ctx, "DeleteByIDs")
	defer span.End()

	var total int64
	for _, chunk := range Chunk(ids, t.maxBatch) {
		var res sql.Result
		err := t.retry(func() error {
			var err error
			res, err = t.stbl.
				Delete(m.Table).
				Where(sq.Eq{m.PK: chunk}).
				ExecContext(ctx)
			return err
		})
		if err != nil {
			return total, t.handle(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, t.handle(err)
		}
		total += n
	}
	return total, nil
}

// DeleteWhere see [storage.Tx].DeleteWhere.
func (t *Tx) DeleteWhere(ctx context.Context, f *storage.Filter) (int64, error) {
	ctx, span := tracer.Start(ctx, "DeleteWhere")
	defer span.End()

	var total int64
	for _, chunk := range Chunk(f.Values, t.maxBatch) {
		var res sql.Result
		err := t.retry(func() error {
			var err error
			res, err = t.stbl.
				Delete(f.Model.Table).
				Where(sq.Eq{f.Column(): chunk}).
				ExecContext(ctx)
			return err
		})
		if err != nil {
			return total, t.handle(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, t.handle(err)
		}
		total += n
	}
	return total, nil
}

// UpdateWhere see [storage.Tx].UpdateWhere.
func (t *Tx) UpdateWhere(ctx context.Context, m *schema.Model, field string, value any, ids []any) (int64, error) {
	ctx, span := tracer.Start(ctx, "UpdateWhere")
	defer span.End()

	var total int64
	for _, chunk := range Chunk(ids, t.maxBatch) {
		var res sql.Result
		err := t.retry(func() error {
			var err error
			res, err = t.stbl.
				Update(m.Table).
				Set(field, value).
				Where(sq.Eq{m.PK: chunk}).
				ExecContext(ctx)
			return err
		})
		if err != nil {
			return total, t.handle(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, t.handle(err)
		}
		total += n
	}
	return total, nil
}

// Commit see [storage.Tx].Commit.
func (t *Tx) Commit() error {
	if err := t.retry(t.inner.Commit); err != nil {
		return t.handle(err)
	}
	return nil
}

// Rollback see [storage.Tx].Rollback.
func (t *Tx) Rollback() error {
	if err := t.inner.Rollback(); err != nil {
		if err == sql.ErrTxDone {
			return storage.ErrTxDone
		}
		return t.handle(err)
	}
	return nil
}

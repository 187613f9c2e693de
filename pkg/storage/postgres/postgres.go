// Package postgres provides a PostgreSQL-backed implementation of
// [storage.Datastore].
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cascade-orm/cascade/pkg/logger"
	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
	"github.com/cascade-orm/cascade/pkg/storage/sqlcommon"
)

// Datastore provides a PostgreSQL-based implementation of
// [storage.Datastore].
type Datastore struct {
	db               *sql.DB
	stbl             sq.StatementBuilderType
	logger           logger.Logger
	maxBatchSize     int
	dbStatsCollector prometheus.Collector
}

var _ storage.Datastore = (*Datastore)(nil)

// New creates a new [Datastore] backed by PostgreSQL.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}
	cfg.ApplyPoolSettings(db)

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "cascade")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	if err := sqlcommon.Ping(db, cfg.Logger, "postgres"); err != nil {
		return nil, err
	}

	return &Datastore{
		db:               db,
		stbl:             sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db),
		logger:           cfg.Logger,
		maxBatchSize:     cfg.MaxBatchSize,
		dbStatsCollector: collector,
	}, nil
}

// Close see [storage.Datastore].Close.
func (d *Datastore) Close() {
	if d.dbStatsCollector != nil {
		prometheus.Unregister(d.dbStatsCollector)
	}
	d.db.Close()
}

// ResolveRelated see [storage.Datastore].ResolveRelated.
func (d *Datastore) ResolveRelated(ctx context.Context, rel *schema.Relation, ids []any) ([]any, error) {
	return sqlcommon.ResolveRelated(ctx, d.stbl, rel, ids, d.maxBatchSize, HandleSQLError)
}

// ResolveColumn see [storage.Datastore].ResolveColumn.
func (d *Datastore) ResolveColumn(ctx context.Context, m *schema.Model, column string, ids []any) ([]any, error) {
	return sqlcommon.ResolveColumn(ctx, d.stbl, m, column, ids, d.maxBatchSize, HandleSQLError)
}

// ResolveFilter see [storage.Datastore].ResolveFilter.
func (d *Datastore) ResolveFilter(ctx context.Context, f *storage.Filter) ([]any, error) {
	return sqlcommon.ResolveFilter(ctx, d.stbl, f, d.maxBatchSize, HandleSQLError)
}

// Begin see [storage.Datastore].Begin. Constraint checks are deferred to
// commit time; foreign keys must be declared DEFERRABLE for this to have an
// effect.
func (d *Datastore) Begin(ctx context.Context) (storage.Tx, error) {
	txn, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	if _, err := txn.ExecContext(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
		_ = txn.Rollback()
		return nil, HandleSQLError(err)
	}
	return sqlcommon.NewTx(txn, sq.StatementBuilder.PlaceholderFormat(sq.Dollar), HandleSQLError, d.maxBatchSize, nil), nil
}

// SupportsDeferredConstraints see [storage.Datastore].
func (d *Datastore) SupportsDeferredConstraints() bool { return true }

// MaxBatchSize see [storage.Datastore].
func (d *Datastore) MaxBatchSize() int { return d.maxBatchSize }

// HandleSQLError translates postgres errors into the module's vocabulary.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return storage.ErrCancelled
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("sql error %s: %w", pgErr.Code, err)
	}
	return fmt.Errorf("sql error: %w", err)
}

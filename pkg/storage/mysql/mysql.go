// Package mysql provides a MySQL-backed implementation of
// [storage.Datastore].
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cascade-orm/cascade/pkg/logger"
	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
	"github.com/cascade-orm/cascade/pkg/storage/sqlcommon"
)

// Datastore provides a MySQL-based implementation of [storage.Datastore].
type Datastore struct {
	db               *sql.DB
	stbl             sq.StatementBuilderType
	logger           logger.Logger
	maxBatchSize     int
	dbStatsCollector prometheus.Collector
}

var _ storage.Datastore = (*Datastore)(nil)

// New creates a new [Datastore] backed by MySQL.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	if _, err := mysql.ParseDSN(uri); err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}

	db, err := sql.Open("mysql", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize mysql connection: %w", err)
	}
	cfg.ApplyPoolSettings(db)

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "cascade")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	if err := sqlcommon.Ping(db, cfg.Logger, "mysql"); err != nil {
		return nil, err
	}

	return &Datastore{
		db:               db,
		stbl:             sq.StatementBuilder.RunWith(db),
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

// Begin see [storage.Datastore].Begin.
func (d *Datastore) Begin(ctx context.Context) (storage.Tx, error) {
	txn, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	return sqlcommon.NewTx(txn, sq.StatementBuilder, HandleSQLError, d.maxBatchSize, nil), nil
}

// SupportsDeferredConstraints see [storage.Datastore]. InnoDB checks foreign
// keys row by row and offers no deferral, so the resolver orders deletions
// itself.
func (d *Datastore) SupportsDeferredConstraints() bool { return false }

// MaxBatchSize see [storage.Datastore].
func (d *Datastore) MaxBatchSize() int { return d.maxBatchSize }

// HandleSQLError translates mysql errors into the module's vocabulary.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return storage.ErrCancelled
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return fmt.Errorf("sql error %d: %w", me.Number, err)
	}
	return fmt.Errorf("sql error: %w", err)
}

// Package sqlite provides a SQLite-backed implementation of
// [storage.Datastore].
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/cascade-orm/cascade/pkg/logger"
	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
	"github.com/cascade-orm/cascade/pkg/storage/sqlcommon"
)

// Datastore provides a SQLite-based implementation of [storage.Datastore].
type Datastore struct {
	db               *sql.DB
	stbl             sq.StatementBuilderType
	logger           logger.Logger
	maxBatchSize     int
	dbStatsCollector prometheus.Collector
}

var _ storage.Datastore = (*Datastore)(nil)

// PrepareDSN normalizes a raw DSN for use with SQLite, defaulting the
// journal mode, busy timeout and transaction lock mode.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}
		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// New creates a new [Datastore] backed by SQLite.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}
	cfg.ApplyPoolSettings(db)

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "cascade")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	if err := sqlcommon.Ping(db, cfg.Logger, "sqlite"); err != nil {
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
	var txn *sql.Tx
	err := busyRetry(func() error {
		var err error
		txn, err = d.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return nil, HandleSQLError(err)
	}
	return sqlcommon.NewTx(txn, sq.StatementBuilder, HandleSQLError, d.maxBatchSize, busyRetry), nil
}

// SupportsDeferredConstraints see [storage.Datastore]. SQLite checks foreign
// keys statement by statement unless the schema opted into deferred keys, so
// the resolver orders deletions itself.
func (d *Datastore) SupportsDeferredConstraints() bool { return false }

// MaxBatchSize see [storage.Datastore].
func (d *Datastore) MaxBatchSize() int { return d.maxBatchSize }

// HandleSQLError translates sqlite errors into the module's vocabulary.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return storage.ErrCancelled
	}
	return fmt.Errorf("sql error: %w", err)
}

// SQLite returns an SQLITE_BUSY error when the database is locked rather
// than waiting for the lock. Retry the operation up to maxRetries times
// before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}
			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}

// Package sqlcommon holds the configuration and statement-building logic
// shared by the SQL datastore backends.
package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/cascade-orm/cascade/pkg/logger"
	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
)

var tracer = otel.Tracer("pkg/storage/sqlcommon")

// Config defines the configuration parameters for setting up and managing a
// sql connection.
type Config struct {
	Logger       logger.Logger
	MaxBatchSize int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type used for configuring a Config
// object.
type DatastoreOption func(*Config)

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) { cfg.Logger = l }
}

// WithMaxBatchSize returns a DatastoreOption that sets the maximum number of
// statement parameters used per IN list.
func WithMaxBatchSize(n int) DatastoreOption {
	return func(cfg *Config) { cfg.MaxBatchSize = n }
}

// WithMaxOpenConns returns a DatastoreOption that sets the maximum number of
// open connections.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) { cfg.MaxOpenConns = c }
}

// WithMaxIdleConns returns a DatastoreOption that sets the maximum number of
// idle connections.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) { cfg.MaxIdleConns = c }
}

// WithConnMaxIdleTime returns a DatastoreOption that sets the maximum idle
// time for a connection.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) { cfg.ConnMaxIdleTime = d }
}

// WithConnMaxLifetime returns a DatastoreOption that sets the maximum
// lifetime for a connection.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) { cfg.ConnMaxLifetime = d }
}

// WithMetrics returns a DatastoreOption that enables the export of
// connection pool metrics.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) { cfg.ExportMetrics = true }
}

// NewConfig creates a new Config instance with default values and applies
// any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = storage.DefaultMaxBatchSize
	}
	return cfg
}

// ApplyPoolSettings copies the connection pool knobs onto an opened handle.
func (cfg *Config) ApplyPoolSettings(db *sql.DB) {
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Ping waits for the datastore to come up, retrying with exponential backoff
// for at most a minute.
func Ping(db *sql.DB, log logger.Logger, engine string) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			log.Info("waiting for "+engine, zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("initialize %s connection: %w", engine, err)
	}
	return nil
}

// ErrorHandler translates an engine-specific error into the module's error
// vocabulary. Engines install their own.
type ErrorHandler func(error) error

// Chunk splits ids into groups of at most size elements.
func Chunk(ids []any, size int) [][]any {
	if size <= 0 {
		size = storage.DefaultMaxBatchSize
	}
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]any, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// ResolveRelated returns the primary keys of rel.From rows whose rel.Field
// is one of the given ids, chunking the IN list to the batch budget.
func ResolveRelated(ctx context.Context, stbl sq.StatementBuilderType, rel *schema.Relation, ids []any, batch int, handle ErrorHandler) ([]any, error) {
	ctx, span := tracer.Start(ctx, "ResolveRelated")
	defer span.End()

	var out []any
	for _, chunk := range Chunk(ids, batch) {
		rows, err := stbl.
			Select(rel.From.PK).
			From(rel.From.Table).
			Where(sq.Eq{rel.Field: chunk}).
			QueryContext(ctx)
		if err != nil {
			return nil, handle(err)
		}
		out, err = scanIDs(rows, out)
		if err != nil {
			return nil, handle(err)
		}
	}
	return out, nil
}

// ResolveColumn returns the value of one column for each row, in input
// order.
func ResolveColumn(ctx context.Context, stbl sq.StatementBuilderType, m *schema.Model, column string, ids []any, batch int, handle ErrorHandler) ([]any, error) {
	ctx, span := tracer.Start(ctx, "ResolveColumn")
	defer span.End()

	values := make(map[any]any, len(ids))
	for _, chunk := range Chunk(ids, batch) {
		rows, err := stbl.
			Select(m.PK, column).
			From(m.Table).
			Where(sq.Eq{m.PK: chunk}).
			QueryContext(ctx)
		if err != nil {
			return nil, handle(err)
		}
		if err := func() error {
			defer rows.Close()
			for rows.Next() {
				var pk, v any
				if err := rows.Scan(&pk, &v); err != nil {
					return err
				}
				values[pk] = v
			}
			return rows.Err()
		}(); err != nil {
			return nil, handle(err)
		}
	}

	out := make([]any, 0, len(ids))
	for _, pk := range ids {
		v, ok := values[pk]
		if !ok {
			return nil, fmt.Errorf("%s row %v: %w", m.Label(), pk, storage.ErrNotFound)
		}
		out = append(out, v)
	}
	return out, nil
}

// ResolveFilter materializes the primary keys matched by a filter.
func ResolveFilter(ctx context.Context, stbl sq.StatementBuilderType, f *storage.Filter, batch int, handle ErrorHandler) ([]any, error) {
	ctx, span := tracer.Start(ctx, "ResolveFilter")
	defer span.End()

	var out []any
	for _, chunk := range Chunk(f.Values, batch) {
		rows, err := stbl.
			Select(f.Model.PK).
			From(f.Model.Table).
			Where(sq.Eq{f.Column(): chunk}).
			QueryContext(ctx)
		if err != nil {
			return nil, handle(err)
		}
		out, err = scanIDs(rows, out)
		if err != nil {
			return nil, handle(err)
		}
	}
	return out, nil
}

func scanIDs(rows *sql.Rows, out []any) ([]any, error) {
	defer rows.Close()
	for rows.Next() {
		var pk any
		if err := rows.Scan(&pk); err != nil {
			return out, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

package sqlcommon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cascade-orm/cascade/pkg/storage"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg.Logger)
	require.Equal(t, storage.DefaultMaxBatchSize, cfg.MaxBatchSize)
	require.Zero(t, cfg.MaxOpenConns)
	require.False(t, cfg.ExportMetrics)
}

func TestNewConfigOptions(t *testing.T) {
	cfg := NewConfig(
		WithMaxBatchSize(25),
		WithMaxOpenConns(30),
		WithMaxIdleConns(10),
		WithConnMaxIdleTime(time.Minute),
		WithConnMaxLifetime(time.Hour),
		WithMetrics(),
	)
	require.Equal(t, 25, cfg.MaxBatchSize)
	require.Equal(t, 30, cfg.MaxOpenConns)
	require.Equal(t, 10, cfg.MaxIdleConns)
	require.Equal(t, time.Minute, cfg.ConnMaxIdleTime)
	require.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	require.True(t, cfg.ExportMetrics)
}

func TestChunk(t *testing.T) {
	ids := []any{1, 2, 3, 4, 5}

	require.Nil(t, Chunk(nil, 2))
	require.Equal(t, [][]any{{1, 2}, {3, 4}, {5}}, Chunk(ids, 2))
	require.Equal(t, [][]any{{1, 2, 3, 4, 5}}, Chunk(ids, 5))
	require.Equal(t, [][]any{{1, 2, 3, 4, 5}}, Chunk(ids, 100))

	// A non-positive size falls back to the default budget.
	require.Equal(t, [][]any{{1, 2, 3, 4, 5}}, Chunk(ids, 0))
	require.Equal(t, [][]any{{1, 2, 3, 4, 5}}, Chunk(ids, -1))
}

package deletion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstanceSetAdd(t *testing.T) {
	s := NewInstanceSet()
	require.True(t, s.Add(int64(1)))
	require.True(t, s.Add(int64(2)))
	require.False(t, s.Add(int64(1)), "second add of the same key reports not-new")
	require.Equal(t, 2, s.Size())
	require.True(t, s.Contains(int64(2)))
	require.False(t, s.Contains(int64(3)))
}

func TestInstanceSetPreservesInsertionOrder(t *testing.T) {
	s := NewInstanceSet()
	for _, pk := range []any{"c", "a", "b", "a"} {
		s.Add(pk)
	}
	require.Equal(t, []any{"c", "a", "b"}, s.Values())
}

func TestInstanceSetRemove(t *testing.T) {
	s := NewInstanceSet()
	s.Add("x")
	s.Add("y")
	s.Remove("x")
	require.False(t, s.Contains("x"))
	require.Equal(t, []any{"y"}, s.Values())
	s.Remove("never-added")
	require.Equal(t, 1, s.Size())
}

package deletion

import (
	"github.com/emirpasic/gods/sets/linkedhashset"
)

// InstanceSet stores the primary keys collected for one model: a set (no
// duplicates allowed) that also preserves insertion order, so a later sort
// pass sees keys in discovery order.
type InstanceSet struct {
	inner *linkedhashset.Set
}

// NewInstanceSet returns an empty InstanceSet.
func NewInstanceSet() *InstanceSet {
	return &InstanceSet{inner: linkedhashset.New()}
}

// Add inserts a primary key and reports whether it was not already present.
func (s *InstanceSet) Add(pk any) bool {
	if s.inner.Contains(pk) {
		return false
	}
	s.inner.Add(pk)
	return true
}

// Contains reports membership.
func (s *InstanceSet) Contains(pk any) bool {
	return s.inner.Contains(pk)
}

// Remove drops a primary key if present.
func (s *InstanceSet) Remove(pk any) {
	s.inner.Remove(pk)
}

// Size returns the number of keys held.
func (s *InstanceSet) Size() int {
	return s.inner.Size()
}

// Values returns the keys in insertion order.
func (s *InstanceSet) Values() []any {
	return s.inner.Values()
}

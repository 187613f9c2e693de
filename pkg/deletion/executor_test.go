package deletion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cascade-orm/cascade/pkg/hooks"
	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
	"github.com/cascade-orm/cascade/pkg/storage/memory"
)

// recorder captures hook invocations as "phase model:pk" strings.
type recorder struct {
	events []string
}

func (r *recorder) hook(phase string) hooks.Hook {
	return func(_ context.Context, m *schema.Model, pk any) error {
		r.events = append(r.events, fmt.Sprintf("%s %s:%v", phase, m.Label(), pk))
		return nil
	}
}

func TestDeleteCascadeChain(t *testing.T) {
	f := chainFixture()

	rec := &recorder{}
	h := hooks.NewRegistry()
	for _, name := range []string{"R", "S", "T"} {
		h.PreDelete(f.model(name), rec.hook("pre"))
		h.PostDelete(f.model(name), rec.hook("post"))
	}

	d, err := NewDeleter(f.reg, f.store, WithDeleterHooks(h))
	require.NoError(t, err)

	res, err := d.Delete(context.Background(), NewBatch(f.model("R"), int64(1)))
	require.NoError(t, err)

	require.Equal(t, int64(3), res.Total)
	require.Equal(t, map[string]int64{"R": 1, "S": 1, "T": 1}, res.PerModel)
	for _, name := range []string{"R", "S", "T"} {
		require.Zero(t, f.count(name))
	}

	// Non-nullable cascades force referencing models to be emptied first:
	// T before S before R. Pre-delete hooks all fire before the first
	// delete, in the same model order.
	require.Equal(t, []string{
		"pre T:100", "pre S:10", "pre R:1",
		"post T:100", "post S:10", "post R:1",
	}, rec.events)
}

func TestDeleteNullableCascadeKeepsDiscoveryOrder(t *testing.T) {
	f := newFixture()
	r := f.reg.AddModel(&schema.Model{Name: "R"})
	s := f.reg.AddModel(&schema.Model{Name: "S"})
	f.reg.AddRelation(&schema.Relation{From: s, Field: "r_id", To: r, OnDelete: schema.Cascade, Nullable: true})

	f.insert("R", map[string]any{"id": int64(1)})
	f.insert("S", map[string]any{"id": int64(2), "r_id": int64(1)})

	rec := &recorder{}
	h := hooks.NewRegistry()
	h.PostDelete(r, rec.hook("post"))
	h.PostDelete(s, rec.hook("post"))

	d, err := NewDeleter(f.reg, f.store, WithDeleterHooks(h))
	require.NoError(t, err)

	_, err = d.Delete(context.Background(), NewBatch(r, int64(1)))
	require.NoError(t, err)

	// A nullable key adds no ordering constraint.
	require.Equal(t, []string{"post R:1", "post S:2"}, rec.events)
}

func TestDeleteDeferredConstraintsSkipOrdering(t *testing.T) {
	f := chainFixture()
	deferred := memory.New(memory.WithDeferredConstraints())
	for _, name := range []string{"R", "S", "T"} {
		m := f.model(name)
		// Rebuild the rows in the deferred store.
		switch name {
		case "R":
			deferred.Insert(m, map[string]any{"id": int64(1)})
		case "S":
			deferred.Insert(m, map[string]any{"id": int64(10), "r_id": int64(1)})
		case "T":
			deferred.Insert(m, map[string]any{"id": int64(100), "s_id": int64(10)})
		}
	}

	rec := &recorder{}
	h := hooks.NewRegistry()
	for _, name := range []string{"R", "S", "T"} {
		h.PostDelete(f.model(name), rec.hook("post"))
	}

	d, err := NewDeleter(f.reg, deferred, WithDeleterHooks(h))
	require.NoError(t, err)

	_, err = d.Delete(context.Background(), NewBatch(f.model("R"), int64(1)))
	require.NoError(t, err)

	// Commit-time constraint checking makes dependency ordering pointless,
	// so models are deleted as discovered.
	require.Equal(t, []string{"post R:1", "post S:10", "post T:100"}, rec.events)
}

func TestDeleteSetNull(t *testing.T) {
	f := newFixture()
	a := f.reg.AddModel(&schema.Model{Name: "A"})
	b := f.reg.AddModel(&schema.Model{Name: "B"})
	f.reg.AddRelation(&schema.Relation{From: b, Field: "a_id", To: a, OnDelete: schema.SetNull, Nullable: true})

	f.insert("A", map[string]any{"id": int64(1)})
	bPK := f.insert("B", map[string]any{"id": int64(2), "a_id": int64(1)})

	d, err := NewDeleter(f.reg, f.store)
	require.NoError(t, err)

	res, err := d.Delete(context.Background(), NewBatch(a, int64(1)))
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"A": 1}, res.PerModel, "updated rows are not deletions")

	row, ok := f.store.Get(b, bPK)
	require.True(t, ok, "the referencing row survives")
	require.Nil(t, row["a_id"])
}

func TestDeleteSetDefault(t *testing.T) {
	f := newFixture()
	a := f.reg.AddModel(&schema.Model{Name: "A"})
	b := f.reg.AddModel(&schema.Model{Name: "B"})
	f.reg.AddRelation(&schema.Relation{
		From: b, Field: "a_id", To: a,
		OnDelete: schema.SetDefault, Default: int64(0), HasDefault: true,
	})

	f.insert("A", map[string]any{"id": int64(1)})
	f.insert("B", map[string]any{"id": int64(2), "a_id": int64(1)})

	d, err := NewDeleter(f.reg, f.store)
	require.NoError(t, err)
	_, err = d.Delete(context.Background(), NewBatch(a, int64(1)))
	require.NoError(t, err)

	row, _ := f.store.Get(b, int64(2))
	require.Equal(t, int64(0), row["a_id"])
}

func TestDeleteSetValueAndProvider(t *testing.T) {
	f := newFixture()
	a := f.reg.AddModel(&schema.Model{Name: "A"})
	b := f.reg.AddModel(&schema.Model{Name: "B"})
	c := f.reg.AddModel(&schema.Model{Name: "C"})
	f.reg.AddRelation(&schema.Relation{From: b, Field: "a_id", To: a, OnDelete: schema.Set(int64(42))})

	calls := 0
	f.reg.AddRelation(&schema.Relation{From: c, Field: "a_id", To: a, OnDelete: schema.SetFrom(func() any {
		calls++
		return fmt.Sprintf("gen-%d", calls)
	})})

	f.insert("A", map[string]any{"id": int64(1)})
	f.insert("B", map[string]any{"id": int64(2), "a_id": int64(1)})
	f.insert("C", map[string]any{"id": int64(3), "a_id": int64(1)})

	d, err := NewDeleter(f.reg, f.store)
	require.NoError(t, err)
	_, err = d.Delete(context.Background(), NewBatch(a, int64(1)))
	require.NoError(t, err)

	row, _ := f.store.Get(b, int64(2))
	require.Equal(t, int64(42), row["a_id"])

	row, _ = f.store.Get(c, int64(3))
	require.Equal(t, "gen-1", row["a_id"])
	require.Equal(t, 1, calls, "the provider runs once per fan-out registration")
}

func TestDeleteFastDeleteBranch(t *testing.T) {
	build := func(withHook bool) (*fixture, *Result) {
		f := newFixture()
		a := f.reg.AddModel(&schema.Model{Name: "A"})
		b := f.reg.AddModel(&schema.Model{Name: "B"})
		f.reg.AddRelation(&schema.Relation{From: b, Field: "a_id", To: a, OnDelete: schema.Cascade})

		f.insert("A", map[string]any{"id": int64(1)})
		f.insert("B", map[string]any{"id": int64(2), "a_id": int64(1)})
		f.insert("B", map[string]any{"id": int64(3), "a_id": int64(1)})

		h := hooks.NewRegistry()
		if withHook {
			h.PreDelete(b, func(context.Context, *schema.Model, any) error { return nil })
		}

		d, err := NewDeleter(f.reg, f.store, WithDeleterHooks(h))
		require.NoError(t, err)
		res, err := d.Delete(context.Background(), NewBatch(a, int64(1)))
		require.NoError(t, err)
		return f, res
	}

	fast, fastRes := build(false)
	slow, slowRes := build(true)

	// The lazy and materialized paths agree on counts and final state.
	require.Equal(t, map[string]int64{"A": 1, "B": 2}, fastRes.PerModel)
	require.Equal(t, fastRes.PerModel, slowRes.PerModel)
	require.Equal(t, int64(3), fastRes.Total)
	require.Zero(t, fast.count("A"))
	require.Zero(t, fast.count("B"))
	require.Zero(t, slow.count("A"))
	require.Zero(t, slow.count("B"))
}

func TestDeleteSingleInstance(t *testing.T) {
	f := newFixture()
	a := f.reg.AddModel(&schema.Model{Name: "A"})
	f.insert("A", map[string]any{"id": int64(1)})

	d, err := NewDeleter(f.reg, f.store)
	require.NoError(t, err)
	res, err := d.Delete(context.Background(), NewBatch(a, int64(1)))
	require.NoError(t, err)

	require.Equal(t, int64(1), res.Total)
	require.Equal(t, map[string]int64{"A": 1}, res.PerModel)
	require.Zero(t, f.count("A"))
}

func TestDeleteOmitsZeroCountModels(t *testing.T) {
	f := newFixture()
	a := f.reg.AddModel(&schema.Model{Name: "A"})
	b := f.reg.AddModel(&schema.Model{Name: "B"})
	f.reg.AddRelation(&schema.Relation{From: b, Field: "a_id", To: a, OnDelete: schema.Cascade})

	f.insert("A", map[string]any{"id": int64(1)})
	// No B rows at all.

	d, err := NewDeleter(f.reg, f.store)
	require.NoError(t, err)
	res, err := d.Delete(context.Background(), NewBatch(a, int64(1)))
	require.NoError(t, err)

	require.Equal(t, map[string]int64{"A": 1}, res.PerModel)
	require.NotContains(t, res.PerModel, "B")
}

func TestDeleteHookErrorRollsBack(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		register func(h *hooks.Registry, b *schema.Model)
	}{
		{
			name: "pre-delete",
			register: func(h *hooks.Registry, b *schema.Model) {
				h.PreDelete(b, func(context.Context, *schema.Model, any) error { return boom })
			},
		},
		{
			name: "post-delete",
			register: func(h *hooks.Registry, b *schema.Model) {
				h.PostDelete(b, func(context.Context, *schema.Model, any) error { return boom })
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture()
			a := f.reg.AddModel(&schema.Model{Name: "A"})
			b := f.reg.AddModel(&schema.Model{Name: "B"})
			f.reg.AddRelation(&schema.Relation{From: b, Field: "a_id", To: a, OnDelete: schema.Cascade})

			f.insert("A", map[string]any{"id": int64(1)})
			f.insert("B", map[string]any{"id": int64(2), "a_id": int64(1)})

			h := hooks.NewRegistry()
			test.register(h, b)

			d, err := NewDeleter(f.reg, f.store, WithDeleterHooks(h))
			require.NoError(t, err)

			_, err = d.Delete(context.Background(), NewBatch(a, int64(1)))
			require.ErrorIs(t, err, boom)

			require.Equal(t, 1, f.count("A"), "rollback restores every row")
			require.Equal(t, 1, f.count("B"))
		})
	}
}

func TestDeleteRowsWithinModelGoReverseSorted(t *testing.T) {
	f := newFixture()
	a := f.reg.AddModel(&schema.Model{Name: "A"})
	for _, pk := range []int64{3, 1, 2} {
		f.insert("A", map[string]any{"id": pk})
	}

	rec := &recorder{}
	h := hooks.NewRegistry()
	h.PreDelete(a, rec.hook("pre"))
	h.PostDelete(a, rec.hook("post"))

	d, err := NewDeleter(f.reg, f.store, WithDeleterHooks(h))
	require.NoError(t, err)
	_, err = d.Delete(context.Background(), NewBatch(a, int64(3), int64(1), int64(2)))
	require.NoError(t, err)

	// Pre-delete hooks see keys ascending; deletion (and post-delete)
	// walks them in reverse.
	require.Equal(t, []string{
		"pre A:1", "pre A:2", "pre A:3",
		"post A:3", "post A:2", "post A:1",
	}, rec.events)
}

func TestDeleteChunksToBatchSize(t *testing.T) {
	f := newFixture(memory.WithMaxBatchSize(2))
	a := f.reg.AddModel(&schema.Model{Name: "A"})
	var pks []any
	for i := int64(1); i <= 5; i++ {
		pks = append(pks, f.insert("A", map[string]any{"id": i}))
	}

	h := hooks.NewRegistry()
	h.PreDelete(a, func(context.Context, *schema.Model, any) error { return nil })

	d, err := NewDeleter(f.reg, f.store, WithDeleterHooks(h))
	require.NoError(t, err)
	res, err := d.Delete(context.Background(), NewBatch(a, pks...))
	require.NoError(t, err)

	require.Equal(t, int64(5), res.Total)
	require.Zero(t, f.count("A"))
}

func TestDeleteClearsHeldInstancePKs(t *testing.T) {
	f := newFixture()
	a := f.reg.AddModel(&schema.Model{Name: "A"})
	f.insert("A", map[string]any{"id": int64(1)})
	f.insert("A", map[string]any{"id": int64(2)})

	first := &storage.Instance{Model: a, PK: int64(1), Fields: map[string]any{"id": int64(1)}}
	second := &storage.Instance{Model: a, PK: int64(2), Fields: map[string]any{"id": int64(2)}}

	d, err := NewDeleter(f.reg, f.store)
	require.NoError(t, err)
	_, err = d.Delete(context.Background(), NewInstanceBatch(first, second))
	require.NoError(t, err)

	require.Nil(t, first.PK)
	require.Nil(t, second.PK)
}

func TestDeleteAutoCreatedSkipsHooks(t *testing.T) {
	f := newFixture()
	a := f.reg.AddModel(&schema.Model{Name: "A"})
	through := f.reg.AddModel(&schema.Model{Name: "Membership", AutoCreated: true})
	f.reg.AddRelation(&schema.Relation{From: through, Field: "a_id", To: a, OnDelete: schema.Cascade})

	f.insert("A", map[string]any{"id": int64(1)})
	f.insert("Membership", map[string]any{"id": int64(2), "a_id": int64(1)})

	rec := &recorder{}
	h := hooks.NewRegistry()
	h.PreDelete(through, rec.hook("pre"))
	h.PostDelete(through, rec.hook("post"))

	d, err := NewDeleter(f.reg, f.store, WithDeleterHooks(h))
	require.NoError(t, err)
	res, err := d.Delete(context.Background(), NewBatch(a, int64(1)))
	require.NoError(t, err)

	require.Equal(t, map[string]int64{"A": 1, "Membership": 1}, res.PerModel)
	require.Empty(t, rec.events, "implicit join models never fire hooks")
}

func TestDeleteParentAfterChild(t *testing.T) {
	f := newFixture()
	parent := f.reg.AddModel(&schema.Model{Name: "Parent"})
	child := f.reg.AddModel(&schema.Model{Name: "Child"})
	f.reg.AddRelation(&schema.Relation{From: child, Field: "id", To: parent, OnDelete: schema.Cascade, ParentLink: true})

	f.insert("Parent", map[string]any{"id": int64(7)})
	f.insert("Child", map[string]any{"id": int64(7)})

	rec := &recorder{}
	h := hooks.NewRegistry()
	h.PostDelete(parent, rec.hook("post"))
	h.PostDelete(child, rec.hook("post"))

	d, err := NewDeleter(f.reg, f.store, WithDeleterHooks(h))
	require.NoError(t, err)
	res, err := d.Delete(context.Background(), NewBatch(child, int64(7)))
	require.NoError(t, err)

	require.Equal(t, map[string]int64{"Parent": 1, "Child": 1}, res.PerModel)
	require.Equal(t, []string{"post Child:7", "post Parent:7"}, rec.events)
}

func TestDeleteKeepParents(t *testing.T) {
	f := newFixture()
	parent := f.reg.AddModel(&schema.Model{Name: "Parent"})
	child := f.reg.AddModel(&schema.Model{Name: "Child"})
	f.reg.AddRelation(&schema.Relation{From: child, Field: "id", To: parent, OnDelete: schema.Cascade, ParentLink: true})

	f.insert("Parent", map[string]any{"id": int64(7)})
	f.insert("Child", map[string]any{"id": int64(7)})

	d, err := NewDeleter(f.reg, f.store)
	require.NoError(t, err)
	res, err := d.Delete(context.Background(), NewBatch(child, int64(7)), WithKeepParents())
	require.NoError(t, err)

	require.Equal(t, map[string]int64{"Child": 1}, res.PerModel)
	require.Equal(t, 1, f.count("Parent"))
	require.Zero(t, f.count("Child"))
}

func TestDeleteProtectedLeavesStoreUntouched(t *testing.T) {
	f := newFixture()
	a := f.reg.AddModel(&schema.Model{Name: "A"})
	b := f.reg.AddModel(&schema.Model{Name: "B"})
	c := f.reg.AddModel(&schema.Model{Name: "C"})
	f.reg.AddRelation(&schema.Relation{From: b, Field: "a_id", To: a, OnDelete: schema.Cascade})
	f.reg.AddRelation(&schema.Relation{From: c, Field: "b_id", To: b, OnDelete: schema.Protect})

	f.insert("A", map[string]any{"id": int64(1)})
	f.insert("B", map[string]any{"id": int64(2), "a_id": int64(1)})
	f.insert("C", map[string]any{"id": int64(3), "b_id": int64(2)})

	d, err := NewDeleter(f.reg, f.store)
	require.NoError(t, err)
	_, err = d.Delete(context.Background(), NewBatch(a, int64(1)))

	var protected *ProtectedError
	require.ErrorAs(t, err, &protected)
	require.Equal(t, 1, f.count("A"))
	require.Equal(t, 1, f.count("B"))
	require.Equal(t, 1, f.count("C"))
}

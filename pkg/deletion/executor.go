package deletion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/cascade-orm/cascade/pkg/logger"
	"github.com/cascade-orm/cascade/pkg/schema"
	"github.com/cascade-orm/cascade/pkg/storage"
)

// Result summarizes one deletion run.
type Result struct {
	// Total is the number of rows deleted across all models.
	Total int64

	// PerModel maps model labels to deleted row counts. Models with zero
	// deletions are omitted.
	PerModel map[string]int64
}

// Executor runs a populated Collector's plan atomically.
type Executor struct {
	store  storage.Datastore
	logger logger.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger attaches a logger.
func WithExecutorLogger(l logger.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor returns an Executor over the given datastore.
func NewExecutor(store storage.Datastore, opts ...ExecutorOption) *Executor {
	e := &Executor{store: store}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.NewNoopLogger()
	}
	return e
}

// Run executes the collected plan in a single transaction and returns the
// per-model deletion counts. Any storage error rolls the whole transaction
// back; partial deletion is never visible. Policy violations cannot occur
// here: the collector raised them before a transaction was ever opened.
func (e *Executor) Run(ctx context.Context, c *Collector) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Delete")
	defer span.End()

	// Deterministic per-model ordering for hook invocation and chunking.
	sorted := make(map[*schema.Model][]any, len(c.collected))
	for model, set := range c.collected {
		ids := set.Values()
		sortPKs(ids)
		sorted[model] = ids
	}

	order := c.Models()
	if !e.store.SupportsDeferredConstraints() {
		var ok bool
		order, ok = c.deps.Sort(order)
		if !ok {
			e.logger.Warn("dependency cycle between models, deleting in discovery order",
				zap.Int("models", len(order)),
			)
		}
	}

	if res, done, err := e.runSingleInstance(ctx, c, order, sorted); done {
		return res, err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin deletion transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, model := range order {
		if model.AutoCreated {
			continue
		}
		for _, pk := range sorted[model] {
			if err := c.hooks.FirePreDelete(ctx, model, pk); err != nil {
				return nil, fmt.Errorf("pre-delete hook for %s: %w", model.Label(), err)
			}
		}
	}

	counter := make(map[string]int64)
	batchSize := e.store.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = storage.DefaultMaxBatchSize
	}

	for _, f := range c.fastDeletes {
		count, err := tx.DeleteWhere(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("fast delete %s: %w", f.Model.Label(), err)
		}
		if count > 0 {
			counter[f.Model.Label()] += count
		}
	}

	for _, model := range c.updateOrder {
		for _, u := range c.fieldUpdates[model] {
			ids := u.ids.Values()
			sortPKs(ids)
			for _, chunk := range chunkIDs(ids, batchSize) {
				if _, err := tx.UpdateWhere(ctx, model, u.field, u.value, chunk); err != nil {
					return nil, fmt.Errorf("update %s.%s: %w", model.Label(), u.field, err)
				}
			}
		}
	}

	// Rows within a model are deleted newest-discovered-first: reverse of
	// the pk-ascending order. This is the documented legacy heuristic; it
	// is not a proven ordering for self-referential keys within one model.
	for _, model := range order {
		ids := sorted[model]
		if len(ids) == 0 {
			continue
		}
		rev := reversedIDs(ids)
		for _, chunk := range chunkIDs(rev, batchSize) {
			count, err := tx.DeleteByIDs(ctx, model, chunk)
			if err != nil {
				return nil, fmt.Errorf("delete %s rows: %w", model.Label(), err)
			}
			if count > 0 {
				counter[model.Label()] += count
			}
		}
		if model.AutoCreated {
			continue
		}
		for _, pk := range rev {
			if err := c.hooks.FirePostDelete(ctx, model, pk); err != nil {
				return nil, fmt.Errorf("post-delete hook for %s: %w", model.Label(), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deletion transaction: %w", err)
	}
	committed = true

	e.applyInstanceEffects(c)

	var total int64
	for _, n := range counter {
		total += n
	}
	e.logger.Debug("deletion run finished", zap.Int64("total", total))
	return &Result{Total: total, PerModel: counter}, nil
}

// runSingleInstance handles the common case of deleting exactly one row with
// no consequences: one DELETE, no hook iteration, no dependency ordering.
func (e *Executor) runSingleInstance(
	ctx context.Context,
	c *Collector,
	order []*schema.Model,
	sorted map[*schema.Model][]any,
) (*Result, bool, error) {
	if len(order) != 1 || len(c.fastDeletes) != 0 || len(c.updateOrder) != 0 {
		return nil, false, nil
	}
	model := order[0]
	ids := sorted[model]
	if len(ids) != 1 || !c.canFastDelete(model, nil) {
		return nil, false, nil
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("begin deletion transaction: %w", err)
	}
	count, err := tx.DeleteByIDs(ctx, model, ids)
	if err != nil {
		_ = tx.Rollback()
		return nil, true, fmt.Errorf("delete %s row: %w", model.Label(), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, true, fmt.Errorf("commit deletion transaction: %w", err)
	}

	e.applyInstanceEffects(c)

	counter := map[string]int64{model.Label(): count}
	return &Result{Total: count, PerModel: counter}, true, nil
}

// applyInstanceEffects writes the post-commit, in-memory-only effects into
// instances the caller is still holding: pending field updates first, then
// cleared primary keys for everything that was deleted. Storage is never
// touched here.
func (e *Executor) applyInstanceEffects(c *Collector) {
	for model, updates := range c.fieldUpdates {
		for _, held := range c.instances[model] {
			for _, u := range updates {
				if u.ids.Contains(held.PK) && held.Fields != nil {
					held.Fields[u.field] = u.value
				}
			}
		}
	}
	for model, set := range c.collected {
		for _, held := range c.instances[model] {
			if set.Contains(held.PK) {
				held.PK = nil
			}
		}
	}
}

// sortPKs orders primary keys ascending. Integer keys compare numerically,
// string keys lexically; anything else falls back to its printed form.
func sortPKs(ids []any) {
	sort.SliceStable(ids, func(i, j int) bool {
		return comparePKs(ids[i], ids[j]) < 0
	})
}

func comparePKs(a, b any) int {
	ai, aok := toInt64(a)
	bi, bok := toInt64(b)
	if aok && bok {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	as, aok2 := a.(string)
	bs, bok2 := b.(string)
	if aok2 && bok2 {
		return strings.Compare(as, bs)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func reversedIDs(ids []any) []any {
	rev := make([]any, len(ids))
	for i, pk := range ids {
		rev[len(ids)-1-i] = pk
	}
	return rev
}

func chunkIDs(ids []any, size int) [][]any {
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

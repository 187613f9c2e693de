package deletion

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/cascade-orm/cascade/pkg/schema"
)

// DependencyGraph records "must be deleted after" edges between models. It
// exists for storage engines that cannot defer constraint checks: rows of a
// model may only be deleted once every model it depends on has been emptied
// of the rows referencing them.
type DependencyGraph struct {
	g      *simple.DirectedGraph
	ids    map[*schema.Model]int64
	models map[int64]*schema.Model
	next   int64

	// A self-referential non-nullable cascade produces a dependency of a
	// model on itself, which no ordering can satisfy.
	selfDependent bool
}

// NewDependencyGraph returns an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		g:      simple.NewDirectedGraph(),
		ids:    make(map[*schema.Model]int64),
		models: make(map[int64]*schema.Model),
	}
}

func (d *DependencyGraph) node(m *schema.Model) int64 {
	if id, ok := d.ids[m]; ok {
		return id
	}
	id := d.next
	d.next++
	d.ids[m] = id
	d.models[id] = m
	d.g.AddNode(simple.Node(id))
	return id
}

// AddModel ensures the model participates in ordering even if no edge ever
// touches it.
func (d *DependencyGraph) AddModel(m *schema.Model) {
	d.node(m)
}

// AddDependency records that rows of `after` must be deleted strictly after
// rows of `before`.
func (d *DependencyGraph) AddDependency(after, before *schema.Model) {
	if after == before {
		d.selfDependent = true
		return
	}
	a, b := d.node(after), d.node(before)
	if d.g.HasEdgeFromTo(b, a) {
		return
	}
	d.g.SetEdge(d.g.NewEdge(simple.Node(b), simple.Node(a)))
}

// Sort returns the models of the discovery list in an order that satisfies
// every recorded dependency, with discovery order breaking ties. When the
// edges contain a cycle no ordering can satisfy, Sort gives up and returns
// the discovery order unchanged with ok=false; callers decide whether
// best-effort order is acceptable (it is the documented legacy behavior for
// engines without deferred constraints).
func (d *DependencyGraph) Sort(discovery []*schema.Model) (order []*schema.Model, ok bool) {
	fallback := make([]*schema.Model, len(discovery))
	copy(fallback, discovery)

	if d.selfDependent {
		return fallback, false
	}

	rank := make(map[int64]int, len(discovery))
	for i, m := range discovery {
		rank[d.node(m)] = i
	}
	byDiscovery := func(nodes []graph.Node) {
		sort.SliceStable(nodes, func(i, j int) bool {
			return rank[nodes[i].ID()] < rank[nodes[j].ID()]
		})
	}

	nodes, err := topo.SortStabilized(d.g, byDiscovery)
	if err != nil {
		return fallback, false
	}

	wanted := make(map[*schema.Model]struct{}, len(discovery))
	for _, m := range discovery {
		wanted[m] = struct{}{}
	}

	order = make([]*schema.Model, 0, len(discovery))
	for _, n := range nodes {
		m := d.models[n.ID()]
		if _, in := wanted[m]; in {
			order = append(order, m)
		}
	}
	return order, true
}

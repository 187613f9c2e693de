package deletion

import (
	"github.com/cascade-orm/cascade/pkg/schema"
)

// canFastDelete decides whether a whole branch can be deleted with a single
// bulk filter-delete, skipping row materialization, graph expansion and
// hooks. via is the relation the branch was reached through (nil for roots).
//
// The batch itself must additionally be expressible as a storage filter;
// that check lives at the call sites, since executor's single-instance
// shortcut is exempt from it.
func (c *Collector) canFastDelete(m *schema.Model, via *schema.Relation) bool {
	// A branch reached through anything but a plain cascade carries
	// policy side effects that need materialized rows.
	if via != nil {
		if via.Virtual {
			return false
		}
		if _, ok := via.OnDelete.(schema.CascadePolicy); !ok {
			return false
		}
	}

	// Hooks receive individual instances.
	if c.hooks.Has(m) {
		return false
	}

	// An inheritance parent reachable through any link other than the one
	// we arrived by would silently skip the parent cascade.
	for _, link := range c.registry.ParentLinks(m) {
		if link != via {
			return false
		}
	}

	for _, rel := range c.registry.RelationsTargeting(m) {
		// Computed references must be resolved row by row.
		if rel.Virtual {
			return false
		}
		// Join rows of an implicit many-to-many model need their own
		// deletion pass.
		if rel.From.AutoCreated {
			return false
		}
		// Any policy but DoNothing needs to know which rows are
		// involved.
		if _, ok := rel.OnDelete.(schema.DoNothingPolicy); !ok {
			return false
		}
	}

	return true
}

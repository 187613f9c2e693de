package deletion

import (
	"fmt"

	"github.com/cascade-orm/cascade/pkg/schema"
)

// ProtectedError aborts a deletion because rows reference one of the roots
// (or a cascaded row) through a relation with the Protect policy. It is
// raised during collection, strictly before any transaction is opened, so a
// caller observing it can rely on zero rows having been touched.
type ProtectedError struct {
	// Relation is the protecting foreign key, e.g. A.protect.
	Relation *schema.Relation

	// Protected holds the primary keys of the referencing rows.
	Protected []any
}

func (e *ProtectedError) Error() string {
	return fmt.Sprintf(
		"cannot delete some instances of model %q because they are referenced through protected foreign key %q",
		e.Relation.To.Label(), e.Relation.Label(),
	)
}

// RestrictedError aborts a deletion because rows reference a to-be-deleted
// row through a Restrict relation and are not themselves scheduled for
// deletion via an independent cascade path from the same roots. Like
// ProtectedError it is raised before any mutation.
type RestrictedError struct {
	Relation   *schema.Relation
	Restricted []any
}

func (e *RestrictedError) Error() string {
	return fmt.Sprintf(
		"cannot delete some instances of model %q because they are referenced through restricted foreign key %q",
		e.Relation.To.Label(), e.Relation.Label(),
	)
}

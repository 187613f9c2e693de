package schema

// OnDelete describes what happens to a referencing row when the row it
// references is deleted. It is a closed set: every fan-out site type-switches
// over the concrete policies below, so adding a policy is a single-point,
// compile-checked change.
type OnDelete interface {
	// String returns the policy name as declared in schema files.
	String() string

	isPolicy()
}

// CascadePolicy deletes the referencing rows too.
type CascadePolicy struct{}

// ProtectPolicy aborts the whole deletion if any referencing row exists.
type ProtectPolicy struct{}

// RestrictPolicy aborts the deletion unless every referencing row is also
// scheduled for deletion through a cascade path from the same roots.
type RestrictPolicy struct{}

// SetNullPolicy nulls out the referencing field instead of deleting the row.
type SetNullPolicy struct{}

// SetDefaultPolicy resets the referencing field to its declared default.
type SetDefaultPolicy struct{}

// SetPolicy sets the referencing field to a fixed value, or to the result of
// calling Provider. Provider is called once per fan-out registration.
type SetPolicy struct {
	Value    any
	Provider func() any
}

// DoNothingPolicy leaves the referencing rows alone. The storage layer is
// trusted (or expected to fail) on its own.
type DoNothingPolicy struct{}

func (CascadePolicy) isPolicy()    {}
func (ProtectPolicy) isPolicy()    {}
func (RestrictPolicy) isPolicy()   {}
func (SetNullPolicy) isPolicy()    {}
func (SetDefaultPolicy) isPolicy() {}
func (SetPolicy) isPolicy()        {}
func (DoNothingPolicy) isPolicy()  {}

func (CascadePolicy) String() string    { return "cascade" }
func (ProtectPolicy) String() string    { return "protect" }
func (RestrictPolicy) String() string   { return "restrict" }
func (SetNullPolicy) String() string    { return "set_null" }
func (SetDefaultPolicy) String() string { return "set_default" }
func (SetPolicy) String() string        { return "set" }
func (DoNothingPolicy) String() string  { return "do_nothing" }

// Singleton values for the parameterless policies.
var (
	Cascade    OnDelete = CascadePolicy{}
	Protect    OnDelete = ProtectPolicy{}
	Restrict   OnDelete = RestrictPolicy{}
	SetNull    OnDelete = SetNullPolicy{}
	SetDefault OnDelete = SetDefaultPolicy{}
	DoNothing  OnDelete = DoNothingPolicy{}
)

// Set returns a SetPolicy that writes a fixed value.
func Set(value any) SetPolicy {
	return SetPolicy{Value: value}
}

// SetFrom returns a SetPolicy that asks the provider for the value at each
// fan-out registration.
func SetFrom(provider func() any) SetPolicy {
	return SetPolicy{Provider: provider}
}

// Resolve produces the value a SetPolicy writes.
func (p SetPolicy) Resolve() any {
	if p.Provider != nil {
		return p.Provider()
	}
	return p.Value
}

// ParsePolicy maps a schema-file policy name onto its OnDelete value. Set
// with a provider is not expressible in schema files and must be declared in
// code.
func ParsePolicy(name string) (OnDelete, bool) {
	switch name {
	case "cascade":
		return Cascade, true
	case "protect":
		return Protect, true
	case "restrict":
		return Restrict, true
	case "set_null":
		return SetNull, true
	case "set_default":
		return SetDefault, true
	case "do_nothing":
		return DoNothing, true
	default:
		return nil, false
	}
}

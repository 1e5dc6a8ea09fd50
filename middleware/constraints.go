package middleware

import (
	"sync"

	"github.com/saiset-co/sai-pipeline/types"
)

// ConstraintsProvider is implemented by middlewares that declare ordering or
// uniqueness requirements relative to other middlewares in the same
// application.
type ConstraintsProvider interface {
	MiddlewareConstraints() Constraints
}

// Ref identifies a middleware another middleware constrains itself against:
// either a direct reference to an instance, type or factory, or a named
// forward reference resolved lazily through the process-wide registry.
type Ref struct {
	target         any
	name           string
	ignoreNotFound bool
}

func RefTo(target any) Ref {
	return Ref{target: target}
}

// RefNamed references a middleware by its registered name, avoiding an
// import-order dependency on the package that defines it. When
// ignoreNotFound is set, an unregistered name resolves to nil and
// contributes no constraint.
func RefNamed(name string, ignoreNotFound bool) Ref {
	return Ref{name: name, ignoreNotFound: ignoreNotFound}
}

var namedMiddlewares sync.Map

// RegisterNamed makes middleware resolvable through RefNamed under name,
// conventionally the fully qualified type or function name.
func RegisterNamed(name string, middleware any) {
	namedMiddlewares.Store(name, middleware)
}

// lookupNamed is swappable in tests to observe resolution counts.
var lookupNamed = func(name string) (any, bool) {
	return namedMiddlewares.Load(name)
}

type refCacheKey struct {
	name           string
	ignoreNotFound bool
}

type refResult struct {
	target any
	err    error
}

var refCache sync.Map

// Resolve returns the referenced middleware. Named references are resolved
// at most once per (name, ignoreNotFound) pair; subsequent calls return the
// cached result.
func (r Ref) Resolve() (any, error) {
	if r.name == "" {
		return r.target, nil
	}

	key := refCacheKey{name: r.name, ignoreNotFound: r.ignoreNotFound}
	if v, ok := refCache.Load(key); ok {
		res := v.(refResult)
		return res.target, res.err
	}

	var res refResult
	if target, found := lookupNamed(r.name); found {
		res.target = target
	} else if !r.ignoreNotFound {
		res.err = types.Errorf(types.ErrMiddlewareNotFound, "name: %s", r.name)
	}

	refCache.Store(key, res)
	return res.target, res.err
}

// Constraints declares placement requirements a middleware carries:
// relative order (before/after), pinning to the chain's ends (first/last)
// and instance uniqueness. Values are immutable; every builder method
// returns a new value. Invariants: first and last are mutually exclusive,
// and either one forces uniqueness and forbids the conflicting relative
// constraint (after for first, before for last).
type Constraints struct {
	before []Ref
	after  []Ref
	first  bool
	last   bool
	unique bool
}

func (c Constraints) ApplyFirst() (Constraints, error) {
	if c.last {
		return c, types.Errorf(types.ErrMiddlewareConstraintInvalid, "first and last are mutually exclusive")
	}
	if len(c.after) > 0 {
		return c, types.Errorf(types.ErrMiddlewareConstraintInvalid, "first cannot be combined with after constraints")
	}

	out := c.clone()
	out.first = true
	out.unique = true
	return out, nil
}

func (c Constraints) ApplyLast() (Constraints, error) {
	if c.first {
		return c, types.Errorf(types.ErrMiddlewareConstraintInvalid, "first and last are mutually exclusive")
	}
	if len(c.before) > 0 {
		return c, types.Errorf(types.ErrMiddlewareConstraintInvalid, "last cannot be combined with before constraints")
	}

	out := c.clone()
	out.last = true
	out.unique = true
	return out, nil
}

func (c Constraints) ApplyBefore(ref Ref) (Constraints, error) {
	if c.last {
		return c, types.Errorf(types.ErrMiddlewareConstraintInvalid, "last cannot be combined with before constraints")
	}

	out := c.clone()
	out.before = append(out.before, ref)
	return out, nil
}

func (c Constraints) ApplyAfter(ref Ref) (Constraints, error) {
	if c.first {
		return c, types.Errorf(types.ErrMiddlewareConstraintInvalid, "first cannot be combined with after constraints")
	}

	out := c.clone()
	out.after = append(out.after, ref)
	return out, nil
}

func (c Constraints) RequireUnique(unique bool) (Constraints, error) {
	if !unique && (c.first || c.last) {
		return c, types.Errorf(types.ErrMiddlewareConstraintInvalid, "first and last imply uniqueness")
	}

	out := c.clone()
	out.unique = unique
	return out, nil
}

func (c Constraints) IsEmpty() bool {
	return len(c.before) == 0 && len(c.after) == 0 && !c.first && !c.last && !c.unique
}

func (c Constraints) clone() Constraints {
	out := Constraints{
		first:  c.first,
		last:   c.last,
		unique: c.unique,
	}
	out.before = append(out.before, c.before...)
	out.after = append(out.after, c.after...)
	return out
}

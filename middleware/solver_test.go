package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-pipeline/types"
)

func mustConstraints(t *testing.T, build func() (Constraints, error)) Constraints {
	t.Helper()
	c, err := build()
	require.NoError(t, err)
	return c
}

type mwOne struct{ constraints Constraints }

func (m *mwOne) MiddlewareConstraints() Constraints { return m.constraints }

type mwTwo struct{ constraints Constraints }

func (m *mwTwo) MiddlewareConstraints() Constraints { return m.constraints }

type mwThree struct{ constraints Constraints }

func (m *mwThree) MiddlewareConstraints() Constraints { return m.constraints }

type mwPlain struct{}

// mwDerived embeds mwPlain, so constraints referencing mwPlain apply to it.
type mwDerived struct {
	mwPlain
	constraints Constraints
}

func (m *mwDerived) MiddlewareConstraints() Constraints { return m.constraints }

func TestCheckConstraints_NoConstraints(t *testing.T) {
	err := CheckConstraints([]any{&mwPlain{}, &mwPlain{}, &mwTwo{}})
	assert.NoError(t, err)
}

func TestCheckConstraints_BeforeSatisfied(t *testing.T) {
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(&mwTwo{}))
	})}

	err := CheckConstraints([]any{one, &mwTwo{}})
	assert.NoError(t, err)
}

func TestCheckConstraints_BeforeViolated(t *testing.T) {
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(&mwTwo{}))
	})}

	err := CheckConstraints([]any{&mwTwo{}, one, &mwThree{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)

	var violation *ConstraintViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "before", violation.Kind)
	assert.Contains(t, violation.First, "mwOne")
	assert.Contains(t, violation.Second, "mwTwo")
	assert.Equal(t, []int{1, 0}, violation.Indices)
	assert.Contains(t, violation.Error(), "index 1")
	assert.Contains(t, violation.Error(), "index 0")
}

func TestCheckConstraints_AfterViolated(t *testing.T) {
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyAfter(RefTo(&mwTwo{}))
	})}

	err := CheckConstraints([]any{one, &mwTwo{}})
	require.Error(t, err)

	// the message keeps the author's orientation
	var violation *ConstraintViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "after", violation.Kind)
	assert.Contains(t, violation.First, "mwOne")
	assert.Contains(t, violation.Second, "mwTwo")
}

func TestCheckConstraints_MultiInstanceWorstCase(t *testing.T) {
	// every One must come before every Two: the latest One and the earliest
	// Two are the deciding pair
	makeOne := func() *mwOne {
		return &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
			return Constraints{}.ApplyBefore(RefTo(&mwTwo{}))
		})}
	}

	err := CheckConstraints([]any{makeOne(), &mwTwo{}, makeOne()})
	require.Error(t, err)

	var violation *ConstraintViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, []int{2, 1}, violation.Indices)
}

func TestCheckConstraints_TargetAbsent(t *testing.T) {
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(&mwTwo{}))
	})}

	err := CheckConstraints([]any{&mwThree{}, one})
	assert.NoError(t, err)
}

func TestCheckConstraints_Cycle(t *testing.T) {
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(&mwTwo{}))
	})}
	two := &mwTwo{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(&mwOne{}))
	})}

	err := CheckConstraints([]any{one, two})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareConstraintCycle)

	var cycle *CycleError
	assert.ErrorAs(t, err, &cycle)
}

func TestCheckConstraints_SelfCycle(t *testing.T) {
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(&mwOne{}))
	})}

	err := CheckConstraints([]any{one})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareConstraintCycle)
}

func TestCheckConstraints_CycleDetectedEvenWhenOrderHolds(t *testing.T) {
	// contradictory declarations are reported as a cycle regardless of the
	// list, because no ordering could ever satisfy them
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(&mwTwo{}))
	})}
	two := &mwTwo{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(&mwThree{}))
	})}
	three := &mwThree{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(&mwOne{}))
	})}

	err := CheckConstraints([]any{one, two, three})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareConstraintCycle)
}

func TestCheckConstraints_Unique(t *testing.T) {
	makeOne := func() *mwOne {
		return &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
			return Constraints{}.RequireUnique(true)
		})}
	}

	require.NoError(t, CheckConstraints([]any{makeOne(), &mwTwo{}}))

	err := CheckConstraints([]any{makeOne(), &mwTwo{}, makeOne()})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)

	var violation *ConstraintViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "unique", violation.Kind)
	assert.Equal(t, []int{0, 2}, violation.Indices)
}

func TestCheckConstraints_First(t *testing.T) {
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyFirst()
	})}

	require.NoError(t, CheckConstraints([]any{one, &mwTwo{}}))

	err := CheckConstraints([]any{&mwTwo{}, one})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)
}

func TestCheckConstraints_Last(t *testing.T) {
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyLast()
	})}

	require.NoError(t, CheckConstraints([]any{&mwTwo{}, one}))

	err := CheckConstraints([]any{one, &mwTwo{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)
}

func TestCheckConstraints_MultipleFirstDeclarations(t *testing.T) {
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyFirst()
	})}
	two := &mwTwo{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyFirst()
	})}

	err := CheckConstraints([]any{one, two})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)
}

func TestCheckConstraints_EmbeddedTypeMatches(t *testing.T) {
	// a constraint against the embedded base applies to the derived type
	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(&mwPlain{}))
	})}

	require.NoError(t, CheckConstraints([]any{one, &mwDerived{}}))

	err := CheckConstraints([]any{&mwDerived{}, one})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)
}

func TestCheckConstraints_NamedRef(t *testing.T) {
	resetRefRegistry()
	RegisterNamed("two", &mwTwo{})

	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefNamed("two", false))
	})}

	err := CheckConstraints([]any{&mwTwo{}, one})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)
}

func TestCheckConstraints_NamedRefUnresolved(t *testing.T) {
	resetRefRegistry()

	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefNamed("ghost", false))
	})}

	err := CheckConstraints([]any{one})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareNotFound)
}

func TestCheckConstraints_NamedRefUnresolvedIgnored(t *testing.T) {
	resetRefRegistry()

	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefNamed("ghost", true))
	})}

	assert.NoError(t, CheckConstraints([]any{one}))
}

func TestCheckConstraints_FactoryIdentity(t *testing.T) {
	factory := func(next types.App) types.App { return next }

	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(factory))
	})}

	err := CheckConstraints([]any{factory, one})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)

	assert.NoError(t, CheckConstraints([]any{one, factory}))
}

func TestCheckConstraints_DefineIdentityIsItsFactory(t *testing.T) {
	factoryA := func(next types.App, args ...any) types.App { return next }
	factoryB := func(next types.App, args ...any) types.App { return next }

	defineA := NewDefine(factoryA)
	defineB := NewDefine(factoryB)

	one := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(defineA))
	})}

	// an unrelated Define ahead of the constrained one is not mistaken for
	// the referenced middleware
	assert.NoError(t, CheckConstraints([]any{defineB, one, defineA}))

	err := CheckConstraints([]any{defineA, one})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)

	// two Defines around the same factory share identity
	unique := &mwOne{constraints: mustConstraints(t, func() (Constraints, error) {
		return Constraints{}.ApplyBefore(RefTo(NewDefine(factoryA)))
	})}
	err = CheckConstraints([]any{defineA, unique})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)
}

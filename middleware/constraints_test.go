package middleware

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-pipeline/types"
)

func resetRefRegistry() {
	refCache = sync.Map{}
	namedMiddlewares = sync.Map{}
	lookupNamed = func(name string) (any, bool) {
		return namedMiddlewares.Load(name)
	}
}

func TestConstraints_FirstLastMutuallyExclusive(t *testing.T) {
	c, err := Constraints{}.ApplyFirst()
	require.NoError(t, err)

	_, err = c.ApplyLast()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareConstraintInvalid)

	c, err = Constraints{}.ApplyLast()
	require.NoError(t, err)

	_, err = c.ApplyFirst()
	require.Error(t, err)
}

func TestConstraints_FirstForbidsAfter(t *testing.T) {
	c, err := Constraints{}.ApplyFirst()
	require.NoError(t, err)

	_, err = c.ApplyAfter(RefTo(&struct{}{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareConstraintInvalid)

	// and in the other declaration order
	c, err = Constraints{}.ApplyAfter(RefTo(&struct{}{}))
	require.NoError(t, err)

	_, err = c.ApplyFirst()
	require.Error(t, err)
}

func TestConstraints_LastForbidsBefore(t *testing.T) {
	c, err := Constraints{}.ApplyLast()
	require.NoError(t, err)

	_, err = c.ApplyBefore(RefTo(&struct{}{}))
	require.Error(t, err)

	c, err = Constraints{}.ApplyBefore(RefTo(&struct{}{}))
	require.NoError(t, err)

	_, err = c.ApplyLast()
	require.Error(t, err)
}

func TestConstraints_FirstImpliesUnique(t *testing.T) {
	c, err := Constraints{}.ApplyFirst()
	require.NoError(t, err)
	assert.True(t, c.unique)

	_, err = c.RequireUnique(false)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareConstraintInvalid)
}

func TestConstraints_BuildersDoNotMutateReceiver(t *testing.T) {
	base := Constraints{}

	withBefore, err := base.ApplyBefore(RefTo(&struct{}{}))
	require.NoError(t, err)

	assert.True(t, base.IsEmpty())
	assert.False(t, withBefore.IsEmpty())
	assert.Len(t, withBefore.before, 1)
}

func TestRef_DirectResolve(t *testing.T) {
	target := &struct{ name string }{name: "mw"}
	resolved, err := RefTo(target).Resolve()
	require.NoError(t, err)
	assert.Same(t, target, resolved)
}

func TestRef_NamedResolve(t *testing.T) {
	resetRefRegistry()

	target := &struct{ name string }{name: "mw"}
	RegisterNamed("auth", target)

	resolved, err := RefNamed("auth", false).Resolve()
	require.NoError(t, err)
	assert.Same(t, target, resolved)
}

func TestRef_NamedResolveCaches(t *testing.T) {
	resetRefRegistry()

	target := &struct{}{}
	calls := 0
	lookupNamed = func(name string) (any, bool) {
		calls++
		return target, true
	}

	ref := RefNamed("auth", false)
	for i := 0; i < 3; i++ {
		resolved, err := ref.Resolve()
		require.NoError(t, err)
		assert.Same(t, target, resolved)
	}

	assert.Equal(t, 1, calls)
}

func TestRef_NamedNotFound(t *testing.T) {
	resetRefRegistry()

	_, err := RefNamed("missing", false).Resolve()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMiddlewareNotFound)

	// the failure is cached too
	_, err = RefNamed("missing", false).Resolve()
	assert.ErrorIs(t, err, types.ErrMiddlewareNotFound)
}

func TestRef_NamedNotFoundIgnored(t *testing.T) {
	resetRefRegistry()

	resolved, err := RefNamed("missing", true).Resolve()
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestRef_CacheKeyedByIgnoreFlag(t *testing.T) {
	resetRefRegistry()

	// strict resolution fails and is cached; the ignoring variant of the
	// same name resolves independently
	_, err := RefNamed("missing", false).Resolve()
	require.Error(t, err)

	resolved, err := RefNamed("missing", true).Resolve()
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

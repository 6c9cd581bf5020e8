package lua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMMNameCaching covers spec §3's pre-built metamethod name cache:
// repeated lookups of the same name return the identical interned
// string instead of re-interning.
func TestMMNameCaching(t *testing.T) {
	g := NewGlobalState(nil, nil)
	a := g.mmName("__index")
	b := g.mmName("__index")
	assert.Same(t, a, b)
}

func TestMetatablePerBaseType(t *testing.T) {
	g := NewGlobalState(nil, nil)
	mt := NewTable(g)

	g.SetMetatable(TagTable, mt)
	assert.Same(t, mt, g.Metatable(TagTable))
	assert.Nil(t, g.Metatable(TagBoolean))
}

// TestGrowStackDoublesUpToNeeded covers spec §4.1/§4.8: GrowStack
// leaves the stack untouched when capacity already suffices, and grows
// it to at least the requested size otherwise.
func TestGrowStackDoublesUpToNeeded(t *testing.T) {
	g := NewGlobalState(nil, nil)
	th := NewThread(g)

	startLen := len(th.stack)
	require.NoError(t, th.GrowStack(1))
	assert.Equal(t, startLen, len(th.stack), "no growth needed when capacity already covers the request")

	th.top = th.nominalSize() - 1
	require.NoError(t, th.GrowStack(100))
	assert.GreaterOrEqual(t, th.nominalSize(), th.top+100)
}

func TestGrowStackRejectsPastMax(t *testing.T) {
	g := NewGlobalState(nil, nil)
	th := NewThread(g)

	err := th.GrowStack(maxStackSize + 1)
	require.Error(t, err)
}

func TestRegistryAndMainThreadArePinned(t *testing.T) {
	g := NewGlobalState(nil, nil)
	require.NotNil(t, g.Registry())
	require.NotNil(t, g.MainThread())
	assert.True(t, g.Registry().header().isFixed())
	assert.True(t, g.MainThread().header().isFixed())
}

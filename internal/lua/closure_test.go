package lua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFindOrMakeUpvalueSharesSameSlot covers spec §3/§8: two closures
// capturing the same stack slot share a single open Upvalue object.
func TestFindOrMakeUpvalueSharesSameSlot(t *testing.T) {
	g := NewGlobalState(nil, nil)
	th := NewThread(g)
	th.stack[2] = IntValue(7)

	a := th.findOrMakeUpvalue(g, 2)
	b := th.findOrMakeUpvalue(g, 2)
	assert.Same(t, a, b)
	assert.False(t, a.closed)
	assert.Equal(t, int64(7), a.Get().AsInt())
}

// TestFindOrMakeUpvalueDistinctSlots covers the complementary case:
// different stack slots never share an upvalue.
func TestFindOrMakeUpvalueDistinctSlots(t *testing.T) {
	g := NewGlobalState(nil, nil)
	th := NewThread(g)

	a := th.findOrMakeUpvalue(g, 1)
	b := th.findOrMakeUpvalue(g, 2)
	assert.NotSame(t, a, b)
}

// TestCloseUpvaluesTransitionsToClosed covers the open/closed
// transition: closing copies the live stack value inline and detaches
// the upvalue from its owning thread.
func TestCloseUpvaluesTransitionsToClosed(t *testing.T) {
	g := NewGlobalState(nil, nil)
	th := NewThread(g)
	th.stack[3] = IntValue(42)

	uv := th.findOrMakeUpvalue(g, 3)
	require.False(t, uv.closed)

	th.CloseUpvalues(g, 3)

	assert.True(t, uv.closed)
	assert.Equal(t, int64(42), uv.Get().AsInt())
	assert.Nil(t, th.openUpvalues)

	// Once closed, mutating the stack slot no longer affects the
	// upvalue: it owns its value now instead of aliasing the stack.
	th.stack[3] = IntValue(99)
	assert.Equal(t, int64(42), uv.Get().AsInt())
}

// TestCloseUpvaluesOnlyAboveLevel covers the partial-close case used
// when a block scope (not the whole frame) exits: upvalues below level
// stay open.
func TestCloseUpvaluesOnlyAboveLevel(t *testing.T) {
	g := NewGlobalState(nil, nil)
	th := NewThread(g)
	th.stack[1] = IntValue(1)
	th.stack[5] = IntValue(5)

	low := th.findOrMakeUpvalue(g, 1)
	high := th.findOrMakeUpvalue(g, 5)

	th.CloseUpvalues(g, 3)

	assert.False(t, low.closed)
	assert.True(t, high.closed)
	require.NotNil(t, th.openUpvalues)
	assert.Same(t, low, th.openUpvalues)
}

// TestClosureForCachesSameEnv covers the one-slot closure cache spec
// §3 describes: re-requesting a closure for the same prototype and
// identical upvalue binding returns the cached instance.
func TestClosureForCachesSameEnv(t *testing.T) {
	g := NewGlobalState(nil, nil)
	p := newPrototype(g)
	env := newOpenUpvalue(g, NewThread(g), 0)

	a := p.closureFor(g, env)
	b := p.closureFor(g, env)
	assert.Same(t, a, b)
}

// TestClosureForMissesOnDifferentEnv covers the cache miss path: a
// different upvalue binding can't reuse the cached closure.
func TestClosureForMissesOnDifferentEnv(t *testing.T) {
	g := NewGlobalState(nil, nil)
	p := newPrototype(g)
	th := NewThread(g)
	env1 := newOpenUpvalue(g, th, 0)
	env2 := newOpenUpvalue(g, th, 1)

	a := p.closureFor(g, env1)
	b := p.closureFor(g, env2)
	assert.NotSame(t, a, b)
}

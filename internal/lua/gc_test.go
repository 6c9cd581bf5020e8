package lua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allgcContains(g *GlobalState, o gcObject) bool {
	for cur := g.gc.allgc.head; cur != nil; cur = cur.header().lnext {
		if cur == o {
			return true
		}
	}
	return false
}

// TestFinalizerFiresOnceThenSwept covers spec §8 scenario 5: an
// unreachable table with a __gc metamethod is finalized exactly once
// on the cycle that discovers it unreachable, then freed on the
// following cycle rather than kept alive indefinitely.
func TestFinalizerFiresOnceThenSwept(t *testing.T) {
	g := NewGlobalState(nil, nil)

	counter := 0
	var seenSelf Value
	mt := NewTable(g)
	require.NoError(t, mt.Set(StringValue(g.mmName("__gc")), HostFuncValue(func(th *Thread) (int, error) {
		counter++
		seenSelf = th.stack[th.top-1]
		return 0, nil
	})))

	target := NewTable(g)
	target.SetMetatable(mt)
	// target is never stored into any root (registry/mainThread), so
	// it's unreachable from the collector's point of view already.

	g.gc.fullCycle()
	assert.Equal(t, 1, counter, "finalizer should run exactly once on the cycle it's discovered unreachable")
	assert.True(t, seenSelf.Tag() == TagTable && seenSelf.AsTable() == target, "__gc(self) must receive the finalized table, per the metamethod's contract")
	assert.True(t, allgcContains(g, target), "finalized object moves back onto allgc, not freed yet")

	g.gc.fullCycle()
	assert.Equal(t, 1, counter, "finalizer must not run a second time on the following cycle")
	assert.False(t, allgcContains(g, target), "an unreferenced finalized object is freed on the following cycle")
}

func TestFinalizerSkippedForLiveObject(t *testing.T) {
	g := NewGlobalState(nil, nil)

	counter := 0
	mt := NewTable(g)
	require.NoError(t, mt.Set(StringValue(g.mmName("__gc")), HostFuncValue(func(*Thread) (int, error) {
		counter++
		return 0, nil
	})))

	target := NewTable(g)
	target.SetMetatable(mt)
	require.NoError(t, g.registry.Set(IntValue(1), TableValue(target)))

	g.gc.fullCycle()
	assert.Equal(t, 0, counter, "a reachable object's finalizer must not run")
}

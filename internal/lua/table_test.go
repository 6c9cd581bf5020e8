package lua

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTableLenAfterArrayAppend covers spec §8 scenario 2: `local t =
// {10,20,30}; t[4]=40; return #t` must report length 4 with the array
// part holding all four slots and no node-part spillover.
func TestTableLenAfterArrayAppend(t *testing.T) {
	g := NewGlobalState(nil, nil)
	tbl := NewTable(g)

	require.NoError(t, tbl.Set(IntValue(1), IntValue(10)))
	require.NoError(t, tbl.Set(IntValue(2), IntValue(20)))
	require.NoError(t, tbl.Set(IntValue(3), IntValue(30)))
	require.NoError(t, tbl.Set(IntValue(4), IntValue(40)))

	assert.Equal(t, int64(4), tbl.Len())
	assert.GreaterOrEqual(t, tbl.ArrayLen(), 4)
}

// TestTableLenWithHole exercises the binary-search boundary semantics
// spec §9 calls out explicitly: #t is the position right before the
// first nil in a contiguous array part, found by binary search rather
// than a linear scan.
func TestTableLenWithHole(t *testing.T) {
	g := NewGlobalState(nil, nil)
	tbl := NewTable(g)

	require.NoError(t, tbl.Set(IntValue(1), IntValue(1)))
	require.NoError(t, tbl.Set(IntValue(2), IntValue(2)))
	require.NoError(t, tbl.Set(IntValue(3), IntValue(3)))
	require.NoError(t, tbl.Set(IntValue(3), NilValue()))

	assert.Equal(t, int64(2), tbl.Len())
}

// TestTableNextVisitsEveryEntryOnce covers the `next` iteration law
// from spec §8: every non-nil entry is visited exactly once.
func TestTableNextVisitsEveryEntryOnce(t *testing.T) {
	g := NewGlobalState(nil, nil)
	tbl := NewTable(g)

	want := map[int64]int64{1: 10, 2: 20, 3: 30}
	for k, v := range want {
		require.NoError(t, tbl.Set(IntValue(k), IntValue(v)))
	}

	seen := map[int64]int64{}
	key := NilValue()
	for {
		k, v, ok, err := tbl.Next(key)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen[k.AsInt()] = v.AsInt()
		key = k
	}
	assert.Equal(t, want, seen)
}

func TestTableSetRejectsNilAndNaNKeys(t *testing.T) {
	g := NewGlobalState(nil, nil)
	tbl := NewTable(g)

	assert.Error(t, tbl.Set(NilValue(), IntValue(1)))
	assert.Error(t, tbl.Set(FloatValue(math.NaN()), IntValue(1)))
}

// TestTableRehashConvergesToArrayOnly covers spec §8's boundary case:
// inserting a dense run of pure integer keys 1..N must converge, after
// rehash, to an array part sized to hold all of them with no
// node-part spillover — at least 50% array density, never a hash-only
// table for this access pattern.
func TestTableRehashConvergesToArrayOnly(t *testing.T) {
	g := NewGlobalState(nil, nil)
	tbl := NewTable(g)

	const n = 1000
	for i := int64(1); i <= n; i++ {
		require.NoError(t, tbl.Set(IntValue(i), IntValue(i*10)))
	}

	assert.Equal(t, int64(n), tbl.Len())
	arrayLen := tbl.ArrayLen()
	assert.GreaterOrEqual(t, arrayLen, n)
	density := float64(n) / float64(arrayLen)
	assert.GreaterOrEqual(t, density, 0.5)
}

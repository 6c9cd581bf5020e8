package lua

import "math"

// tableNode is one slot of the hash (node) part: a key/value pair
// plus an index-based chain pointer to the next node sharing the same
// main position, implementing Brent's variation (spec §4.4). next is
// an index into the owning Table.node slice, or -1 for end-of-chain;
// Lua's C implementation stores a byte offset for the same purpose,
// an index is the natural Go equivalent.
type tableNode struct {
	key  Value
	val  Value
	next int32
}

const noNext int32 = -1

// Table is the hybrid array-plus-hash table of spec §4.4: a flat
// array part for the dense 1..N integer-key prefix, and a power-of-
// two (or empty-sentinel) node part for everything else, with
// Brent's-variation collision handling and the specific rehash policy
// described there.
type Table struct {
	objHeader
	array     []Value
	node      []tableNode
	lastFree  int32 // cursor into node, decrementing from len(node)
	metatable *Table
	flags     byte // bit i set => metamethod i is known absent (cache)
	g         *GlobalState

	// hasFinalizer is set once this table has been moved onto the
	// collector's finobj list (gc.go's registerFinalizer); it keeps a
	// table whose metatable is reassigned several times from being
	// re-registered on every SetMetatable call.
	hasFinalizer bool
}

func (t *Table) header() *objHeader { return &t.objHeader }

// NewTable allocates an empty table: no array part, sentinel (empty)
// node part, per spec §3's "distinguished shared read-only sentinel
// node" — we model the sentinel simply as a nil/zero-length node
// slice, which every lookup path already treats as "no node part".
func NewTable(g *GlobalState) *Table {
	t := &Table{
		objHeader: objHeader{kind: objTable, marked: g.gc.currentWhite, id: g.newID()},
		g:         g,
	}
	g.gc.allgc.push(t)
	g.gc.debtBytes(64)
	return t
}

func (t *Table) ArrayLen() int { return len(t.array) }

// Get implements the read path of spec §4.4: integers in range probe
// the array part directly, everything else walks the node chain from
// the key's main position.
func (t *Table) Get(key Value) Value {
	if key.tag == TagInteger {
		i := key.n
		if i >= 1 && i <= int64(len(t.array)) {
			return t.array[i-1]
		}
	} else if key.tag == TagFloat {
		if iv, ok := floatToExactInt(key.f); ok {
			return t.Get(IntValue(iv))
		}
	}
	return t.getFromNode(key)
}

func (t *Table) getFromNode(key Value) Value {
	if len(t.node) == 0 {
		return NilValue()
	}
	idx := t.mainPosition(key)
	for idx != noNext {
		n := &t.node[idx]
		if !n.key.IsNil() && RawEquals(n.key, key) {
			return n.val
		}
		idx = n.next
	}
	return NilValue()
}

// mainPosition computes the bucket a key hashes to, per the
// type-specific rules in spec §4.4 (ltable.c's mainposition).
func (t *Table) mainPosition(key Value) int32 {
	size := int32(len(t.node))
	switch {
	case key.tag == TagInteger:
		return hashpow2(key.n, size)
	case key.tag == TagFloat:
		return hashmod(int64(hashFloat(key.f)), size)
	case key.tag == TagShortString:
		return hashpow2(int64(key.AsString().hash), size)
	case key.tag == TagLongString:
		return hashpow2(int64(key.AsString().Hash(t.g.strings)), size)
	case key.tag == TagBoolean:
		b := int64(0)
		if key.b {
			b = 1
		}
		return hashpow2(b, size)
	case key.tag == TagLightUserdata:
		return hashmod(int64(lightUserdataID(key)), size)
	case key.tag == TagHostFunc:
		return hashmod(int64(hostFuncID(key.AsHostFunc())), size)
	default:
		return hashmod(int64(key.Object().header().id), size)
	}
}

func hashpow2(n int64, size int32) int32 {
	if size == 0 {
		return 0
	}
	return int32(uint64(n) & uint64(size-1))
}

func hashmod(n int64, size int32) int32 {
	if size == 0 {
		return 0
	}
	m := int64(size-1) | 1
	r := n % m
	if r < 0 {
		r += m
	}
	return int32(r)
}

// hashFloat mirrors ltable.c's l_hashfloat: decompose the float into
// mantissa/exponent via frexp and fold them together, so floats that
// compare equal to an already-coerced integer never reach here (Set
// coerces first) while genuinely fractional floats still hash
// deterministically.
func hashFloat(f float64) int32 {
	frac, exp := math.Frexp(f)
	n := frac * -float64(math.MinInt32)
	if math.IsInf(n, 0) || math.IsNaN(n) {
		return 0 // inf/-inf/NaN
	}
	ni := int64(n) // truncates, like lua_numbertointeger's cast
	u := uint32(exp) + uint32(ni)
	if u <= math.MaxInt32 {
		return int32(u)
	}
	return int32(^u)
}

func floatToExactInt(f float64) (int64, bool) {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	i := int64(f)
	if float64(i) != f {
		return 0, false
	}
	return i, true
}

func lightUserdataID(v Value) uint64 {
	return genericIdentity(v.AsLightUserdata())
}

func hostFuncID(fn HostFunc) uint64 {
	return genericIdentity(fn)
}

// Set implements the write path of spec §4.4, including new_key's
// Brent's-variation collision policy. Nil and NaN keys are rejected;
// a float key that is an exact integer is coerced to its integer
// representation first.
func (t *Table) Set(key, val Value) error {
	if key.IsNil() {
		return errTableNilKey
	}
	if key.tag == TagFloat {
		if math.IsNaN(key.f) {
			return errTableNaNKey
		}
		if iv, ok := floatToExactInt(key.f); ok {
			key = IntValue(iv)
		}
	}
	if key.tag == TagInteger {
		i := key.n
		if i >= 1 && i <= int64(len(t.array)) {
			t.array[i-1] = val
			backwardBarrier(t.g, t)
			return nil
		}
		if i == int64(len(t.array))+1 && !val.IsNil() {
			t.array = append(t.array, val)
			t.migrateFromNode()
			backwardBarrier(t.g, t)
			return nil
		}
	}
	if val.IsNil() {
		// Setting an existing node-part key to nil just nils it in
		// place; it stays in its chain until the next rehash.
		if existing := t.findNode(key); existing != nil {
			existing.val = NilValue()
			return nil
		}
		return nil
	}
	t.newKey(key, val)
	backwardBarrier(t.g, t)
	return nil
}

func (t *Table) findNode(key Value) *tableNode {
	if len(t.node) == 0 {
		return nil
	}
	idx := t.mainPosition(key)
	for idx != noNext {
		n := &t.node[idx]
		if !n.key.IsNil() && RawEquals(n.key, key) {
			return n
		}
		idx = n.next
	}
	return nil
}

// migrateFromNode removes a node-part entry for the key Set has just
// appended to the array, so a key that used to overflow into the node
// part lives only in the array once it falls within the (just-grown)
// array bound; the array keeps the value Set stored. Lua's luaH_resize
// performs the equivalent pass on resize; here we do a cheap
// single-slot check since Set only ever grows the array by exactly
// one slot at a time.
func (t *Table) migrateFromNode() {
	if len(t.node) == 0 {
		return
	}
	key := IntValue(int64(len(t.array)))
	idx := t.mainPosition(key)
	var prev int32 = noNext
	for idx != noNext {
		n := &t.node[idx]
		if !n.key.IsNil() && n.key.tag == TagInteger && n.key.n == key.n {
			if prev != noNext {
				n.key, n.val = NilValue(), NilValue()
				t.node[prev].next = n.next
			} else if nx := n.next; nx != noNext {
				// Head of a chain: pull its successor into this slot so
				// the rest of the chain stays reachable from here.
				*n = t.node[nx]
				t.node[nx] = tableNode{key: NilValue(), val: NilValue(), next: noNext}
			} else {
				n.key, n.val = NilValue(), NilValue()
			}
			return
		}
		prev = idx
		idx = n.next
	}
}

// newKey implements new_key from spec §4.4: install directly if the
// main position is free; otherwise apply Brent's variation — if the
// occupant's own main position is elsewhere, evict it to a free slot
// and take its place; if the occupant belongs there legitimately,
// place the new key in a free slot and chain it off the existing
// node. Free slots come from a last-free cursor decrementing from the
// top of the node array; running out triggers a rehash and a retry
// through Set, since the resized array part may now cover key.
func (t *Table) newKey(key, val Value) {
	if len(t.node) == 0 {
		t.rehash(key)
		t.Set(key, val)
		return
	}
	mp := t.mainPosition(key)
	main := &t.node[mp]
	if !main.key.IsNil() {
		free := t.getFreePos()
		if free == noNext {
			t.rehash(key)
			t.Set(key, val)
			return
		}
		othern := t.mainPosition(main.key)
		if othern != mp {
			// The occupant of mp doesn't belong here; evict it to a
			// free slot and reclaim mp for the new key.
			p := othern
			for t.node[p].next != mp {
				p = t.node[p].next
			}
			t.node[p].next = free
			t.node[free] = *main
			if main.next != noNext {
				t.node[free].next = main.next
			}
			*main = tableNode{key: key, val: val, next: noNext}
			return
		}
		// mp is the occupant's rightful home; the new key goes into
		// a free slot, chained from main.
		t.node[free] = tableNode{key: key, val: val, next: main.next}
		main.next = free
		return
	}
	main.key, main.val, main.next = key, val, noNext
}

// getFreePos returns the next unused node slot by walking lastFree
// downward, or noNext if the node part is exhausted.
func (t *Table) getFreePos() int32 {
	for t.lastFree > 0 {
		t.lastFree--
		if t.node[t.lastFree].key.IsNil() {
			return t.lastFree
		}
	}
	return noNext
}

// rehash implements spec §4.4's rehash policy: bucket every live key
// (array + node + the pending new key) by power-of-two bound, pick
// the largest array size whose bottom half is at least 50% occupied,
// and size the node part to hold the remainder rounded up to the next
// power of two.
func (t *Table) rehash(pending Value) {
	var counts [64]int
	total := 0
	countInt := func(i int64) {
		if i >= 1 {
			for p := 0; p < 63; p++ {
				bound := int64(1) << uint(p)
				if i <= bound {
					counts[p]++
					return
				}
			}
		}
	}
	for i, v := range t.array {
		if !v.IsNil() {
			countInt(int64(i + 1))
			total++
		}
	}
	nodeTotal := 0
	for _, n := range t.node {
		if !n.key.IsNil() {
			if n.key.tag == TagInteger {
				countInt(n.key.n)
			}
			nodeTotal++
		}
	}
	if pending.tag == TagInteger {
		countInt(pending.n)
	}
	total += nodeTotal + 1 // every node-part key, plus the pending key

	bestP, bestCount, acc := -1, 0, 0
	for p := 0; p < 63; p++ {
		bound := 1 << uint(p)
		acc += counts[p]
		if acc > bound/2 {
			bestP, bestCount = p, acc
		}
	}
	arraySize := 0
	if bestP >= 0 {
		arraySize = 1 << uint(bestP)
	}
	_ = bestCount

	remaining := total - countUpTo(counts[:], bestP)
	nodeSize := nextPow2(remaining)

	t.resize(arraySize, nodeSize)
}

func countUpTo(counts []int, p int) int {
	sum := 0
	for i := 0; i <= p && i < len(counts); i++ {
		sum += counts[i]
	}
	return sum
}

func nextPow2(n int) int {
	if n <= 0 {
		return 0
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// resize reallocates both parts to the given sizes and re-inserts
// every surviving entry, per spec §4.4's rehash step.
func (t *Table) resize(arraySize, nodeSize int) {
	oldArray, oldNode := t.array, t.node
	newArray := make([]Value, arraySize)
	for i := 0; i < arraySize && i < len(oldArray); i++ {
		newArray[i] = oldArray[i]
	}
	t.array = newArray
	if nodeSize == 0 {
		t.node = nil
		t.lastFree = 0
	} else {
		t.node = make([]tableNode, nodeSize)
		for i := range t.node {
			t.node[i].next = noNext
			t.node[i].key = NilValue()
		}
		t.lastFree = int32(nodeSize)
	}
	// Re-insert anything that no longer fits directly: array entries
	// beyond the new bound, and every live node entry.
	for i := arraySize; i < len(oldArray); i++ {
		if !oldArray[i].IsNil() {
			t.newKey(IntValue(int64(i+1)), oldArray[i])
		}
	}
	for _, n := range oldNode {
		if !n.key.IsNil() {
			if n.key.tag == TagInteger && n.key.n >= 1 && n.key.n <= int64(arraySize) {
				t.array[n.key.n-1] = n.val
			} else {
				t.newKey(n.key, n.val)
			}
		}
	}
}

// Len implements the length operator of spec §4.4: undefined except
// on tables with a contiguous 1..N prefix, but required to match the
// specific binary/exponential search shape rather than a linear scan,
// so that tables with holes behave the way real Lua programs expect
// (and sometimes rely on).
func (t *Table) Len() int64 {
	if n := len(t.array); n > 0 && t.array[n-1].IsNil() {
		lo, hi := 0, n
		for hi-lo > 1 {
			mid := (lo + hi) / 2
			if t.array[mid-1].IsNil() {
				hi = mid
			} else {
				lo = mid
			}
		}
		return int64(lo)
	}
	if len(t.node) == 0 {
		return int64(len(t.array))
	}
	j := int64(len(t.array)) + 1
	for !t.getFromNode(IntValue(j)).IsNil() {
		j *= 2
		if j > math.MaxInt32 {
			// Degenerate case: fall back to a linear unbounded search.
			i := int64(len(t.array))
			for !t.getFromNode(IntValue(i + 1)).IsNil() {
				i++
			}
			return i
		}
	}
	lo, hi := j/2, j
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if t.getFromNode(IntValue(mid)).IsNil() {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo
}

// Next implements the iteration protocol of spec §4.4: nil starts
// from the beginning, any other key resumes immediately after it, and
// a key absent from the table is an error.
func (t *Table) Next(key Value) (k, v Value, ok bool, err error) {
	start := 0
	if !key.IsNil() {
		idx, inArray, nodeIdx, found := t.locate(key)
		if !found {
			return Value{}, Value{}, false, errInvalidNextKey
		}
		if inArray {
			start = idx + 1
		} else {
			return t.nextFromNode(nodeIdx + 1)
		}
	}
	for i := start; i < len(t.array); i++ {
		if !t.array[i].IsNil() {
			return IntValue(int64(i + 1)), t.array[i], true, nil
		}
	}
	return t.nextFromNode(0)
}

func (t *Table) nextFromNode(from int) (Value, Value, bool, error) {
	for i := from; i < len(t.node); i++ {
		if !t.node[i].key.IsNil() {
			return t.node[i].key, t.node[i].val, true, nil
		}
	}
	return Value{}, Value{}, false, nil
}

// locate finds where key currently lives, distinguishing the array
// part (by index) from the node part (by slot), for Next's resume
// logic above.
func (t *Table) locate(key Value) (arrayIdx int, inArray bool, nodeIdx int, found bool) {
	k := key
	if k.tag == TagFloat {
		if iv, ok := floatToExactInt(k.f); ok {
			k = IntValue(iv)
		}
	}
	if k.tag == TagInteger && k.n >= 1 && k.n <= int64(len(t.array)) {
		return int(k.n - 1), true, 0, true
	}
	if len(t.node) == 0 {
		return 0, false, 0, false
	}
	idx := t.mainPosition(k)
	for idx != noNext {
		if !t.node[idx].key.IsNil() && RawEquals(t.node[idx].key, k) {
			return 0, false, int(idx), true
		}
		idx = t.node[idx].next
	}
	return 0, false, 0, false
}

func (t *Table) Metatable() *Table { return t.metatable }

// SetMetatable installs mt and, the first time mt carries a __gc
// entry, moves t from the ordinary allgc list onto the collector's
// finobj list (spec §4.5's Finalization paragraph: only objects whose
// metatable had __gc at some point are ever finalized).
func (t *Table) SetMetatable(mt *Table) {
	t.metatable = mt
	backwardBarrier(t.g, t)
	if mt != nil && !t.hasFinalizer {
		fin := mt.Get(StringValue(t.g.mmName("__gc")))
		if !fin.IsNil() {
			t.g.gc.registerFinalizer(t)
			t.hasFinalizer = true
		}
	}
}

// tableWeakMode reports which sides of t a __mode string marks weak,
// spec §4.5's "Weak tables" paragraph.
type tableWeakMode struct {
	weakKeys   bool
	weakValues bool
}

func (t *Table) weakMode() tableWeakMode {
	if t.metatable == nil {
		return tableWeakMode{}
	}
	mv := t.metatable.Get(StringValue(t.g.modeString()))
	if mv.Tag() != TagShortString && mv.Tag() != TagLongString {
		return tableWeakMode{}
	}
	s := mv.AsString().String()
	var m tableWeakMode
	for _, c := range s {
		switch c {
		case 'k':
			m.weakKeys = true
		case 'v':
			m.weakValues = true
		}
	}
	return m
}

package lua

import "unsafe"

// Short strings (length <= maxShortLen) are interned: equal content
// always means the same object, so RawEquals and table-key hashing
// can use identity. Long strings are never deduplicated. Both ride on
// the common object header so the GC treats them uniformly; only the
// string table (below) knows the short/long split.
//
// maxShortLen mirrors lstring.h's LUAI_MAXSHORTLEN.
const maxShortLen = 40

// String is the managed string object of spec §3: header, a reserved-
// word slot (short strings only), a lazily-computed hash for long
// strings, and the content itself. Go strings are already length-
// prefixed and binary-safe, so unlike lstring.h we don't need an
// explicit length field or a defensive trailing zero byte: data holds
// exactly the string's bytes, embedded NULs included.
type String struct {
	objHeader
	long     bool
	hasHash  bool // long strings only: true once hash has been computed
	reserved int8 // short strings only: reserved-word token kind, or -1
	hash     uint32
	data     string
	// internNext threads this string onto its bucket's chain in the
	// owning StringTable; unused for long strings.
	internNext *String
}

func (s *String) header() *objHeader { return &s.objHeader }

func (s *String) String() string { return s.data }
func (s *String) Len() int       { return len(s.data) }

// Hash returns the string's hash, computing it lazily for long
// strings on first use (spec §4.3). This is the only place a long
// string's hash slot transitions from "holds the table's seed" to
// "holds the real hash"; luaS_hashlongstr in the original keeps that
// overload intentionally, and so do we.
func (s *String) Hash(st *StringTable) uint32 {
	if s.long && !s.hasHash {
		s.hash = hashString(st.seed, s.data)
		s.hasHash = true
	}
	return s.hash
}

func stringEquals(a, b *String) bool {
	if a == b {
		return true
	}
	if a.long != b.long {
		return false
	}
	if !a.long {
		// Short strings are interned: distinct objects never share content.
		return false
	}
	return a.data == b.data
}

// hashString implements spec §4.3's seed-XOR-length hash with a
// sampling stride so long strings cost O(log len) rather than O(len):
// step = (len>>5)+1, walking backward from the end.
func hashString(seed uint32, data string) uint32 {
	h := seed ^ uint32(len(data))
	step := (len(data) >> 5) + 1
	for l := len(data); l >= step; l -= step {
		h ^= (h << 5) + (h >> 2) + uint32(data[l-1])
	}
	return h
}

// StringTable is the open-chained, power-of-two intern table for
// short strings (spec §3's "string intern table", §4.3's behavior).
// Long strings never touch it; they're allocated standalone by the
// global state and placed on allgc like any other heap object.
type StringTable struct {
	seed    uint32
	buckets []*String
	count   int
}

const initialStringTableSize = 32

func newStringTable(seed uint32) *StringTable {
	return &StringTable{
		seed:    seed,
		buckets: make([]*String, initialStringTableSize),
	}
}

func (st *StringTable) bucketIndex(hash uint32) int {
	return int(hash) & (len(st.buckets) - 1)
}

// intern returns the short string with the given content, creating
// and chaining a new one if none exists. A dead-white hit is
// resurrected in place (its white bit flipped to current) rather than
// allocating a duplicate, per spec §4.3.
func (st *StringTable) intern(g *GlobalState, data string) *String {
	if len(data) > maxShortLen {
		panic("lua: intern called with long string")
	}
	h := hashString(st.seed, data)
	idx := st.bucketIndex(h)
	for s := st.buckets[idx]; s != nil; s = s.internNext {
		if s.data == data {
			if s.header().isDeadWhite(g.gc.currentWhite) {
				s.header().paint(g.gc.currentWhite)
			}
			return s
		}
	}
	s := &String{
		objHeader: objHeader{kind: objString, marked: g.gc.currentWhite, id: g.newID()},
		long:      false,
		reserved:  -1,
		hash:      h,
		data:      data,
	}
	s.internNext = st.buckets[idx]
	st.buckets[idx] = s
	st.count++
	if st.count >= len(st.buckets) {
		st.grow()
	}
	return s
}

// grow doubles the bucket array and re-chains every live string to
// its new bucket, as spec §4.3 requires on reaching capacity.
func (st *StringTable) grow() {
	old := st.buckets
	st.buckets = make([]*String, len(old)*2)
	for _, head := range old {
		for s := head; s != nil; {
			next := s.internNext
			idx := st.bucketIndex(s.hash)
			s.internNext = st.buckets[idx]
			st.buckets[idx] = s
			s = next
		}
	}
}

// newLongString allocates a standalone long string. Its hash slot
// initially aliases the table's seed (hasHash stays false) until
// Hash is first called; this is the "hash-seed overloading" quirk
// spec §9 calls out as intentional and never exposed through the
// public hash API.
func (st *StringTable) newLongString(g *GlobalState, data string) *String {
	s := &String{
		objHeader: objHeader{kind: objString, marked: g.gc.currentWhite, id: g.newID()},
		long:      true,
		reserved:  -1,
		hash:      st.seed,
	}
	s.data = data
	g.gc.allgc.push(s)
	g.gc.debtBytes(len(data))
	return s
}

// NewString interns data as a short string, or allocates a standalone
// long string, per the maxShortLen split in spec §4.3.
func (g *GlobalState) NewString(data string) *String {
	if len(data) <= maxShortLen {
		return g.strings.intern(g, data)
	}
	return g.strings.newLongString(g, data)
}

// sweepStrings walks every bucket chain, freeing dead-white entries
// and flipping survivors to the new current white. Short strings are
// swept here rather than via allgc because the intern table, not a
// lifetime list, is their sole home.
func (st *StringTable) sweepStrings(newWhite byte) {
	for i, head := range st.buckets {
		var newHead, tail *String
		for s := head; s != nil; {
			next := s.internNext
			if s.header().isDeadWhite(newWhite) {
				st.count--
			} else {
				s.paint(newWhite)
				s.internNext = nil
				if tail == nil {
					newHead = s
				} else {
					tail.internNext = s
				}
				tail = s
			}
			s = next
		}
		st.buckets[i] = newHead
	}
}

// apiStringCache is the NxM matrix of recently interned strings keyed
// by the pointer identity of a caller-supplied Go string header,
// described in spec §4.3. It only ever speeds up re-interning of
// repeated literal lookups; a cache miss simply falls through to
// StringTable.intern. A dead entry found by a lookup is replaced with
// a pinned "memory error" sentinel (spec §4.3), so the slot never
// points at a freed string, and the lookup proceeds as a miss.
const (
	apiStringCacheRows = 53
	apiStringCacheCols = 2
)

type apiStringCache struct {
	rows [apiStringCacheRows][apiStringCacheCols]apiStringCacheEntry
	oom  *String // pinned "memory error" string
}

type apiStringCacheEntry struct {
	key string
	val *String
}

func newAPIStringCache(oom *String) *apiStringCache {
	return &apiStringCache{oom: oom}
}

// lookup mirrors luaS_new's g->strcache probe: hash the Go string
// header's data pointer into a row, scan the row for a literal match,
// and on a miss overwrite the row's tail slot.
func (c *apiStringCache) lookup(g *GlobalState, s string) *String {
	row := int(stringHeaderHash(s) % apiStringCacheRows)
	for i := 0; i < apiStringCacheCols; i++ {
		e := &c.rows[row][i]
		if e.key == s && e.val != nil {
			if !e.val.header().isDeadWhite(g.gc.currentWhite) {
				return e.val
			}
			*e = apiStringCacheEntry{key: c.oom.data, val: c.oom}
			break
		}
	}
	val := g.NewString(s)
	for i := apiStringCacheCols - 1; i > 0; i-- {
		c.rows[row][i] = c.rows[row][i-1]
	}
	c.rows[row][0] = apiStringCacheEntry{key: s, val: val}
	return val
}

func stringHeaderHash(s string) uint32 {
	if len(s) == 0 {
		return 0
	}
	p := uintptr(unsafe.Pointer(unsafe.StringData(s)))
	return uint32(p ^ p>>32)
}

// Package lua implements the execution core of an embeddable Lua 5.3
// interpreter: the lexer, the single-pass parser/code generator, the
// tagged-value and table model, the string table, and the incremental
// garbage collector. The bytecode interpreter, standard library and
// host-facing API are out of scope; this package only produces the
// prototypes and manages the object graph they run against.
package lua

// objKind identifies the concrete managed type behind a gcObject. It
// is distinct from the value tag in value.go: a value can point at an
// object, but the object itself always knows its own kind regardless
// of how many values reference it.
type objKind uint8

const (
	objString objKind = iota
	objTable
	objPrototype
	objClosure
	objUpvalue
	objUserdata
	objThread
)

// Mark-bit layout of the common header's marked byte. Exactly one of
// white0/white1 is "current white" at any time; the GC flips which
// one on every atomic-phase transition (gc.go flipCurrentWhite).
const (
	bitWhite0    byte = 1 << 0
	bitWhite1    byte = 1 << 1
	bitBlack     byte = 1 << 2
	bitFinalized byte = 1 << 3
	// bitFixed marks an object gcState.fix has pinned permanently live
	// (the registry, the main thread, reserved-word strings): sweep
	// never frees it regardless of its white bits, matching spec §3's
	// `fixedgc` list semantics even for the short strings that never
	// actually thread onto that list (see strtab.go).
	bitFixed byte = 1 << 4

	maskWhites = bitWhite0 | bitWhite1
	maskColors = bitWhite0 | bitWhite1 | bitBlack
)

// objHeader is the fixed-layout prefix every managed object embeds,
// mirroring the common GC header described in spec §3: a next-pointer
// threading the object onto exactly one lifetime/gray list at a time,
// a type tag, and the mark byte. Go has no struct layout aliasing, so
// "the object's type tag" lives here explicitly rather than being
// read back off a union.
type objHeader struct {
	kind   objKind
	marked byte
	// id is a monotonically assigned allocation-order surrogate for
	// the object's identity. The table engine's pointer-key hashing
	// (spec §4.4: "hash the pointer bits") uses it in place of a real
	// memory address, since Go gives managed objects no stable,
	// convertible-to-integer address.
	id    uint64
	lnext gcObject // intrusive link on whichever list currently owns this object
}

// gcObject is implemented by every heap type the collector manages:
// strings, tables, prototypes, closures, closed upvalues, userdata and
// threads. header() exposes the common prefix for list-threading and
// mark-bit manipulation without requiring the collector to know the
// concrete type.
type gcObject interface {
	header() *objHeader
}

func (h *objHeader) header() *objHeader { return h }

func (h *objHeader) isWhite() bool  { return h.marked&maskWhites != 0 }
func (h *objHeader) isBlack() bool  { return h.marked&bitBlack != 0 }
func (h *objHeader) isGray() bool   { return h.marked&maskColors == 0 }
func (h *objHeader) isFinalized() bool {
	return h.marked&bitFinalized != 0
}

func (h *objHeader) isDeadWhite(currentWhite byte) bool {
	if h.marked&bitFixed != 0 {
		return false
	}
	return h.marked&maskWhites != 0 && h.marked&maskWhites != currentWhite
}

func (h *objHeader) isFixed() bool { return h.marked&bitFixed != 0 }
func (h *objHeader) setFixed()     { h.marked |= bitFixed }

func (h *objHeader) makeGray() { h.marked &^= maskColors }
func (h *objHeader) makeBlack() { h.marked = h.marked&^maskColors | bitBlack }
func (h *objHeader) paint(white byte) {
	h.marked = h.marked&^maskColors | (white & maskWhites)
}

// gcList is a singly intrusive list of gcObjects threaded through
// objHeader.lnext, matching the "next-pointer threading" lifetime
// lists of spec §3 (allgc, finobj, tobefnz, fixedgc); the gray work
// lists of spec §4.5 are plain slices instead. Because every object lives on exactly one
// list at a time, a single next pointer per object suffices; sweeping
// rebuilds the list in place rather than requiring O(1) removal.
type gcList struct {
	head gcObject
}

func (l *gcList) push(o gcObject) {
	o.header().lnext = l.head
	l.head = o
}

func (l *gcList) empty() bool { return l.head == nil }

// pop removes and returns the head of the list, or nil if empty.
func (l *gcList) pop() gcObject {
	o := l.head
	if o == nil {
		return nil
	}
	l.head = o.header().lnext
	o.header().lnext = nil
	return o
}

// filter walks the list, keeping objects for which keep returns true
// (re-threading them onto a fresh list in the same relative order)
// and calling drop for every object it discards. Used by sweep to
// split a lifetime list into survivors and garbage in one pass.
func (l *gcList) filter(keep func(gcObject) bool, drop func(gcObject)) {
	var newHead, tail gcObject
	for cur := l.head; cur != nil; {
		next := cur.header().lnext
		if keep(cur) {
			cur.header().lnext = nil
			if tail == nil {
				newHead = cur
			} else {
				tail.header().lnext = cur
			}
			tail = cur
		} else {
			cur.header().lnext = nil
			drop(cur)
		}
		cur = next
	}
	l.head = newHead
}

// appendFrom moves every object off other onto the head of l. The
// collector itself moves objects between allgc/finobj/tobefnz one at
// a time and does not call it.
func (l *gcList) appendFrom(other *gcList) {
	for cur := other.head; cur != nil; {
		next := cur.header().lnext
		cur.header().lnext = l.head
		l.head = cur
		cur = next
	}
	other.head = nil
}

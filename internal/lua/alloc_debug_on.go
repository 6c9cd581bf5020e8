//go:build luadebugalloc

package lua

import "github.com/dolthub/swiss"

// allocDebugLedger tracks outstanding allocation bytes per tag using
// a Swiss-table map rather than a builtin Go map: this is the one
// place in the package where a generic hash-map library is the right
// tool, since spec §4.1 explicitly scopes this to debug-build
// leak/double-free assertions, never the hot allocation path, and
// nowhere near the array/node/Brent algorithm spec §4.4 specifies.
// We borrow the pack's own choice for this role (see mna-nenuphar's
// go.mod) instead of hand-rolling another hash table for a concern
// the spec treats as incidental.
type allocDebugLedger struct {
	outstanding *swiss.Map[string, int]
}

func newAllocDebugLedger() *allocDebugLedger {
	return &allocDebugLedger{outstanding: swiss.NewMap[string, int](8)}
}

// record books newSize bytes against tag, after releasing oldSize:
// a realloc that merely resizes nets to (newSize - oldSize), a fresh
// allocation (oldSize == 0) adds newSize, and a free (newSize == 0)
// subtracts oldSize — exactly spec §4.1's debt delta, kept per tag
// instead of globally so a test can assert "this kind of object
// leaked" rather than just "something leaked".
func (l *allocDebugLedger) record(tag string, oldSize, newSize int) {
	cur, _ := l.outstanding.Get(tag)
	l.outstanding.Put(tag, cur+newSize-oldSize)
}

func (l *allocDebugLedger) outstandingBytes(tag string) int {
	n, _ := l.outstanding.Get(tag)
	return n
}

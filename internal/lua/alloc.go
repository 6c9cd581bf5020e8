package lua

import "github.com/pkg/errors"

// AllocFunc is the host-supplied allocator contract of spec §4.1's
// realloc(block, old_size, new_size). Go slices already carry their
// own length, so unlike the C signature we don't need a separate
// old_size parameter for sizing purposes; it survives here only as
// documented behavior (a caller may still pass a larger or smaller
// logical "old size" than len(block) to encode a type tag for
// debugging, per spec §4.1 — this package never does, but a host
// embedding it is free to).
//
//   - block == nil: treat as a fresh allocation.
//   - newSize == 0: free; must return (nil, nil).
//   - otherwise: grow or shrink. Shrinking must never fail.
type AllocFunc func(ud interface{}, block []byte, oldSize, newSize int) ([]byte, error)

// DefaultAllocator is a plain make-and-copy implementation, handed to
// NewGlobalState when the host doesn't supply one of its own.
func DefaultAllocator(ud interface{}, block []byte, oldSize, newSize int) ([]byte, error) {
	if newSize == 0 {
		return nil, nil
	}
	nb := make([]byte, newSize)
	copy(nb, block)
	return nb, nil
}

// allocShim wraps the host allocator with the debt accounting and
// grow-retry policy of spec §4.1: on a failed grow, force a full GC
// and retry once; if it still fails, raise out-of-memory.
type allocShim struct {
	fn         AllocFunc
	ud         interface{}
	totalBytes int64
	gc         *gcState // set by GlobalState after both are constructed
	debug      *allocDebugLedger
}

func newAllocShim(fn AllocFunc, ud interface{}) *allocShim {
	if fn == nil {
		fn = DefaultAllocator
	}
	return &allocShim{fn: fn, ud: ud, debug: newAllocDebugLedger()}
}

// realloc performs the accounted reallocation described in spec
// §4.1: debt = new_size - old_size, retried once after a forced full
// GC on growth failure, and finally an out-of-memory raise.
func (a *allocShim) realloc(block []byte, oldSize, newSize int, tag string) ([]byte, error) {
	nb, err := a.fn(a.ud, block, oldSize, newSize)
	if err != nil && newSize > oldSize {
		if a.gc != nil {
			a.gc.fullCycle()
		}
		nb, err = a.fn(a.ud, block, oldSize, newSize)
		if err != nil {
			return nil, errors.Wrap(errOutOfMemory, tag)
		}
	} else if err != nil {
		// Shrink/free must never fail per contract; a non-nil error
		// here is a host bug, not a recoverable OOM.
		return nil, errors.Wrapf(err, "lua: allocator violated shrink-never-fails contract (%s)", tag)
	}
	a.totalBytes += int64(newSize - oldSize)
	a.debug.record(tag, oldSize, newSize)
	if a.gc != nil {
		a.gc.addDebt(int64(newSize - oldSize))
	}
	return nb, nil
}

// growArraySize implements spec §4.1's array growth helper: double up
// to limit, clamping so at least one free slot remains available.
func growArraySize(cur, needed, limit int) int {
	if needed > limit {
		return limit
	}
	n := cur * 2
	if n < needed {
		n = needed
	}
	if n > limit {
		n = limit
	}
	if n == cur && cur < limit {
		n = cur + 1
	}
	return n
}

package lua

import (
	"fmt"
	"reflect"
)

// genericIdentity derives a stable integer surrogate for the pointer
// identity of a light-userdata payload or host-function value, for
// use by the table engine's pointer-key hashing (spec §4.4). Go gives
// no portable pointer-to-integer conversion for an arbitrary
// interface{}, so we fall back to reflect for the two shapes that can
// actually appear here: pointers and funcs.
func genericIdentity(v interface{}) uint64 {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.UnsafePointer, reflect.Chan, reflect.Map, reflect.Slice:
		return uint64(rv.Pointer())
	case reflect.Func:
		return uint64(rv.Pointer())
	default:
		// Value types (e.g. an int used as "light userdata" in tests)
		// have no address; hash their formatted representation so the
		// result is at least deterministic and type-distinguishing.
		return hashIdentityFallback(rv)
	}
}

func hashIdentityFallback(rv reflect.Value) uint64 {
	s := rv.Type().String() + ":" + fmt.Sprintf("%v", rv.Interface())
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

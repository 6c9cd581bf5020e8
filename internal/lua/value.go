package lua

// Tag encodes base type in bits 0-3, a variant in bits 4-5, and the
// collectable flag in bit 6, matching spec §3's tagged-value layout.
// Go gives us a real sum type in the form of an interface, but this
// package models the C-style tag explicitly: the GC and table engine
// both dispatch on it directly, and several invariants (§8's "tag
// matches referenced object's tag") are about the tag byte itself,
// not about Go's type system.
type Tag uint8

const (
	baseNil Tag = iota
	baseBoolean
	baseLightUserdata
	baseNumber
	baseString
	baseTable
	baseFunction
	baseUserdata
	baseThread

	baseMask = 0x0F
)

const (
	variantShift = 4
	variantMask  = 0x30
	collectBit   = 0x40
)

// Number variants.
const (
	variantFloat   = 0 << variantShift
	variantInteger = 1 << variantShift
)

// String variants.
const (
	variantShortString = 0 << variantShift
	variantLongString  = 1 << variantShift
)

// Function variants.
const (
	variantLuaClosure = 0 << variantShift
	variantHostFunc   = 1 << variantShift
	variantHostClosure = 2 << variantShift
)

const (
	TagNil           = Tag(baseNil)
	TagBoolean       = Tag(baseBoolean)
	TagLightUserdata = Tag(baseLightUserdata)
	TagFloat         = Tag(baseNumber | variantFloat)
	TagInteger       = Tag(baseNumber | variantInteger)
	TagShortString   = Tag(baseString | variantShortString | collectBit)
	TagLongString    = Tag(baseString | variantLongString | collectBit)
	TagTable         = Tag(baseTable | collectBit)
	TagLuaClosure    = Tag(baseFunction | variantLuaClosure | collectBit)
	TagHostFunc      = Tag(baseFunction | variantHostFunc)
	TagHostClosure   = Tag(baseFunction | variantHostClosure | collectBit)
	TagUserdata      = Tag(baseUserdata | collectBit)
	TagThread        = Tag(baseThread | collectBit)
)

func (t Tag) base() Tag         { return t & baseMask }
func (t Tag) isCollectable() bool { return t&collectBit != 0 }
func (t Tag) IsNumber() bool     { return t.base() == baseNumber }
func (t Tag) IsString() bool     { return t.base() == baseString }
func (t Tag) IsFunction() bool   { return t.base() == baseFunction }

// HostFunc is the signature of a host (Go-side) function value,
// matching spec §3's "host function pointer" payload variant. The
// bytecode interpreter that actually calls these is out of scope; the
// core only stores and GC-tracks them.
type HostFunc func(th *Thread) (nresults int, err error)

// Value is the tagged value described in spec §3: a (tag, payload)
// pair. Only one payload field is meaningful for a given tag; callers
// must check the tag before reading a field, the same discipline the
// C union enforces structurally. This is the one place in the core
// where we accept a non-idiomatic "one struct, many fields" shape
// over a Go interface, because the GC and table engine need to see
// the tag and a raw object pointer uniformly, not a boxed interface
// per element.
type Value struct {
	tag Tag
	b   bool
	n   int64   // integer payload, or boolean aliasing via b above
	f   float64 // float payload
	p   interface{} // light userdata / host function pointer
	obj gcObject    // collectable payload
}

func (v Value) Tag() Tag { return v.tag }

// IsTruthy implements spec §4.2: nil and false are the only falsy
// values, everything else (including 0 and "") is truthy.
func (v Value) IsTruthy() bool {
	switch v.tag {
	case TagNil:
		return false
	case TagBoolean:
		return v.b
	default:
		return true
	}
}

func (v Value) IsNil() bool { return v.tag == TagNil }

func NilValue() Value { return Value{tag: TagNil} }

func BoolValue(b bool) Value { return Value{tag: TagBoolean, b: b} }

func IntValue(n int64) Value { return Value{tag: TagInteger, n: n} }

func FloatValue(f float64) Value { return Value{tag: TagFloat, f: f} }

func LightUserdataValue(p interface{}) Value {
	return Value{tag: TagLightUserdata, p: p}
}

func HostFuncValue(fn HostFunc) Value {
	return Value{tag: TagHostFunc, p: fn}
}

// StringValue wraps an interned or long string object as a value,
// picking the tag from the string's own kind rather than trusting the
// caller, since spec §8 requires tag and object kind to always agree.
func StringValue(s *String) Value {
	if s.long {
		return Value{tag: TagLongString, obj: s}
	}
	return Value{tag: TagShortString, obj: s}
}

func TableValue(t *Table) Value { return Value{tag: TagTable, obj: t} }

func ClosureValue(c *Closure) Value {
	if c.isHost() {
		return Value{tag: TagHostClosure, obj: c}
	}
	return Value{tag: TagLuaClosure, obj: c}
}

func ThreadValue(th *Thread) Value { return Value{tag: TagThread, obj: th} }

func (v Value) AsBool() bool  { return v.b }
func (v Value) AsInt() int64  { return v.n }
func (v Value) AsFloat() float64 { return v.f }

func (v Value) AsString() *String {
	return v.obj.(*String)
}

func (v Value) AsTable() *Table {
	return v.obj.(*Table)
}

func (v Value) AsClosure() *Closure {
	return v.obj.(*Closure)
}

func (v Value) AsHostFunc() HostFunc {
	return v.p.(HostFunc)
}

func (v Value) AsLightUserdata() interface{} { return v.p }

// Object returns the underlying managed object, or nil for
// non-collectable tags. Used by the GC and by barriers, which only
// ever care about the object side of a value.
func (v Value) Object() gcObject {
	if !v.tag.isCollectable() {
		return nil
	}
	return v.obj
}

// IsLive asserts the invariant in spec §4.2: a value's tag must match
// its referenced object's kind, and the object must not be dead-white
// under the collector's current white bit. Assignment (below) never
// calls this; it exists for assertions at structural write sites.
func (v Value) IsLive(currentWhite byte) bool {
	o := v.Object()
	if o == nil {
		return true
	}
	if o.header().isDeadWhite(currentWhite) {
		return false
	}
	switch v.tag.base() {
	case baseString:
		_, ok := o.(*String)
		return ok
	case baseTable:
		_, ok := o.(*Table)
		return ok
	case baseFunction:
		_, ok := o.(*Closure)
		return ok
	case baseUserdata:
		_, ok := o.(*Userdata)
		return ok
	case baseThread:
		_, ok := o.(*Thread)
		return ok
	}
	return true
}

// Assign performs dst := src as a shallow copy of tag and payload, per
// spec §4.2: no write barrier here. Barriers belong at the structural
// write site (table.go's set, state.go's upvalue close, ...) which
// alone knows the container being mutated.
func Assign(dst *Value, src Value) { *dst = src }

// RawEquals implements Lua's raw (no metamethod) equality: same base
// type and equal payload, with the float/int cross-numeric exception.
// Strings compare through stringEquals (strtab.go): identity for short
// strings, which are interned, and content for long strings.
func RawEquals(a, b Value) bool {
	if a.tag.base() != b.tag.base() {
		if a.tag.IsNumber() && b.tag.IsNumber() {
			return numEquals(a, b)
		}
		return false
	}
	switch a.tag.base() {
	case baseNil:
		return true
	case baseBoolean:
		return a.b == b.b
	case baseNumber:
		return numEquals(a, b)
	case baseLightUserdata:
		return a.p == b.p
	case baseString:
		return stringEquals(a.AsString(), b.AsString())
	default:
		return a.obj == b.obj
	}
}

func numEquals(a, b Value) bool {
	if a.tag == TagInteger && b.tag == TagInteger {
		return a.n == b.n
	}
	av, bv := a.f, b.f
	if a.tag == TagInteger {
		av = float64(a.n)
	}
	if b.tag == TagInteger {
		bv = float64(b.n)
	}
	return av == bv
}

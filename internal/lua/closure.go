package lua

// UpvalDesc describes one upvalue slot of a Prototype: its name (for
// debug info), whether the defining function captures it from its own
// stack frame (InStack) or forwards it from one of its own upvalues,
// and the index into whichever of those two it is. Spec §3/§4.7.
type UpvalDesc struct {
	Name    *String
	InStack bool
	Index   int
}

// LocalVarDesc is one entry of a Prototype's local-variable debug
// table: name plus the [StartPC, EndPC) range it is live over.
type LocalVarDesc struct {
	Name    *String
	StartPC int
	EndPC   int
}

// Prototype is the immutable, shareable compilation output of one
// function body, spec §3. Everything the parser/codegen (§4.7)
// produces for a single `function ... end` (or the implicit top-level
// chunk function) lands here.
type Prototype struct {
	objHeader

	Source             *String
	Code               []Instruction
	Constants          []Value
	Protos             []*Prototype
	Upvalues           []UpvalDesc
	Locals             []LocalVarDesc
	LineInfo           []int32
	IsVararg           bool
	NumParams          int
	MaxStackSize       int
	LineDefined        int
	LastLineDefined    int

	// cachedClosure is the one-slot "most recently created closure
	// sharing this prototype" cache spec §3 calls out; a fresh
	// top-level parse always misses it, but re-running the same
	// already-compiled prototype (e.g. a cached `require`d chunk)
	// does not need a fresh Closure allocation each time.
	cachedClosure *Closure
}

func (p *Prototype) header() *objHeader { return &p.objHeader }

func newPrototype(g *GlobalState) *Prototype {
	p := &Prototype{objHeader: objHeader{kind: objPrototype, marked: g.gc.currentWhite, id: g.newID()}}
	g.gc.allgc.push(p)
	return p
}

// closureFor returns the cached closure sharing p if one exists and
// its upvalue bindings are exactly env (a vararg chunk closure has a
// single _ENV upvalue, spec §6), else builds and caches a fresh one.
func (p *Prototype) closureFor(g *GlobalState, env *Upvalue) *Closure {
	if p.cachedClosure != nil && len(p.cachedClosure.upvalues) == 1 && p.cachedClosure.upvalues[0] == env {
		return p.cachedClosure
	}
	c := newLuaClosure(g, p, []*Upvalue{env})
	p.cachedClosure = c
	forwardBarrierObject(g, p, c)
	return c
}

// Closure is either a scripted closure (Prototype + upvalue bindings)
// or a host closure (Go function + captured values), spec §3. A bare
// host function with no captures is represented as TagHostFunc in
// value.go and never reaches this type at all.
type Closure struct {
	objHeader

	proto    *Prototype  // nil for host closures
	upvalues []*Upvalue  // scripted closures

	hostFn       HostFunc
	hostUpvalues []Value // host closures
}

func (c *Closure) header() *objHeader { return &c.objHeader }
func (c *Closure) isHost() bool       { return c.proto == nil }

func newLuaClosure(g *GlobalState, p *Prototype, upvalues []*Upvalue) *Closure {
	c := &Closure{
		objHeader: objHeader{kind: objClosure, marked: g.gc.currentWhite, id: g.newID()},
		proto:     p,
		upvalues:  upvalues,
	}
	g.gc.allgc.push(c)
	return c
}

// NewHostClosure wraps fn with its captured upvalues, spec §3.
func NewHostClosure(g *GlobalState, fn HostFunc, upvalues []Value) *Closure {
	c := &Closure{
		objHeader:    objHeader{kind: objClosure, marked: g.gc.currentWhite, id: g.newID()},
		hostFn:       fn,
		hostUpvalues: upvalues,
	}
	g.gc.allgc.push(c)
	return c
}

func (c *Closure) Prototype() *Prototype { return c.proto }

// Upvalue is either open (referencing a live stack slot of some
// thread) or closed (owning its value inline); the transition happens
// when the owning stack frame is popped (spec §3).
type Upvalue struct {
	objHeader

	closed   bool
	value    Value  // meaningful once closed
	stack    *Thread // owning thread, while open
	stackIdx int     // index into stack.stack, while open

	// threadNext threads this upvalue onto its owning thread's open-
	// upvalue list, kept in descending stackIdx order (highest slot
	// first), the order findOrMakeUpvalue searches in.
	threadNext *Upvalue
}

func (u *Upvalue) header() *objHeader { return &u.objHeader }

func newOpenUpvalue(g *GlobalState, th *Thread, idx int) *Upvalue {
	u := &Upvalue{
		objHeader: objHeader{kind: objUpvalue, marked: g.gc.currentWhite, id: g.newID()},
		stack:     th,
		stackIdx:  idx,
	}
	g.gc.allgc.push(u)
	return u
}

// Get dereferences the upvalue: the live stack slot if open, the
// owned value if closed.
func (u *Upvalue) Get() Value {
	if u.closed {
		return u.value
	}
	return u.stack.stack[u.stackIdx]
}

// Set writes through the upvalue. A closed upvalue is itself a
// one-slot container a black closure may hold, so it needs
// forwardBarrier same as any other write site; an open upvalue needs
// none since its referent lives on a stack the GC re-marks wholesale
// (spec §4.5).
func (u *Upvalue) Set(g *GlobalState, v Value) {
	if u.closed {
		u.value = v
		forwardBarrier(g, u, v)
	} else {
		u.stack.stack[u.stackIdx] = v
	}
}

// Userdata is a host-owned opaque value plus an optional Lua-visible
// uservalue and metatable, spec §3.
type Userdata struct {
	objHeader
	metatable *Table
	value     Value       // the Lua-visible "uservalue"
	Data      interface{} // host payload, never scanned by the GC
}

func (u *Userdata) header() *objHeader { return &u.objHeader }

func NewUserdata(g *GlobalState, data interface{}) *Userdata {
	u := &Userdata{
		objHeader: objHeader{kind: objUserdata, marked: g.gc.currentWhite, id: g.newID()},
		Data:      data,
	}
	g.gc.allgc.push(u)
	return u
}

func (u *Userdata) Metatable() *Table { return u.metatable }

func (u *Userdata) SetMetatable(g *GlobalState, mt *Table) {
	u.metatable = mt
	if mt != nil {
		forwardBarrierObject(g, u, mt)
	}
}

// Value returns the userdata's Lua-visible uservalue.
func (u *Userdata) Value() Value { return u.value }

func (u *Userdata) SetValue(g *GlobalState, v Value) {
	u.value = v
	forwardBarrier(g, u, v)
}

// CallInfo is a doubly-linked node per active call, reused across
// calls to avoid per-call allocation (spec §3/§4.8).
type CallInfo struct {
	prev, next *CallInfo

	Base     int // base stack index of this frame
	Top      int // current top of this frame
	PC       int // saved program counter (scripted frames)
	Closure  *Closure
	NResults int

	IsLua               bool
	IsTail              bool
	IsYieldableProtected bool
}

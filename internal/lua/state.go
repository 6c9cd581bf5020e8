package lua

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"go.uber.org/zap"
)

// ThreadStatus mirrors the coroutine status values of spec §3.
type ThreadStatus int

const (
	ThreadRunning ThreadStatus = iota
	ThreadSuspended
	ThreadNormal
	ThreadDead
)

const (
	initialStackSize = 40 // LUAI_MINSTACK-equivalent baseline
	extraStackSlots  = 5  // safety zone past the nominal stack end, spec §4.8
	maxStackSize     = 1000000
)

// Thread is a coroutine: header + status + its own stack vector and
// call-info chain, sharing everything else with the owning
// GlobalState (spec §3, §5). Only one thread runs at a time within a
// given GlobalState; switching is an explicit, cooperative
// resume/yield the bytecode interpreter implements (out of scope
// here — this package only keeps the bookkeeping the interpreter
// needs to hang its calls off of).
type Thread struct {
	objHeader

	global *GlobalState
	Status ThreadStatus

	stack []Value
	top   int // index of the first free slot

	nonYieldableDepth int
	nestedHostCalls    int
	openUpvalues       *Upvalue // descending stackIdx order

	hookMask  int
	hookCount int

	baseCallInfo CallInfo
	callInfo     *CallInfo
}

func (th *Thread) header() *objHeader { return &th.objHeader }

func newThread(g *GlobalState) *Thread {
	th := &Thread{
		global: g,
		stack:  make([]Value, initialStackSize+extraStackSlots),
	}
	th.objHeader = objHeader{kind: objThread, marked: g.gc.currentWhite, id: g.newID()}
	th.callInfo = &th.baseCallInfo
	th.baseCallInfo.Base = 0
	th.baseCallInfo.Top = 0
	return th
}

// NewThread creates a new coroutine sharing g's heap, string table
// and collector, per spec §3/§5.
func NewThread(g *GlobalState) *Thread {
	th := newThread(g)
	g.gc.allgc.push(th)
	return th
}

// nominalSize is the stack size excluding the extra_stack safety zone
// (spec §4.8): overflow paths may still push into the zone even after
// the nominal stack is full, so an error object always has somewhere
// to go.
func (th *Thread) nominalSize() int { return len(th.stack) - extraStackSlots }

// GrowStack ensures at least `needed` free slots past top, doubling
// (via growArraySize, spec §4.1) up to maxStackSize.
func (th *Thread) GrowStack(needed int) error {
	if th.top+needed <= th.nominalSize() {
		return nil
	}
	newSize := growArraySize(th.nominalSize(), th.top+needed, maxStackSize)
	if newSize < th.top+needed {
		return runtimeError("stack overflow")
	}
	newStack := make([]Value, newSize+extraStackSlots)
	copy(newStack, th.stack)
	th.stack = newStack
	th.global.gc.debtBytes(needed * 16)
	return nil
}

// PushCallInfo extends (or reuses, per spec §4.8) the call-info chain
// by one frame and returns it as the new current frame.
func (th *Thread) PushCallInfo() *CallInfo {
	if th.callInfo.next == nil {
		ci := &CallInfo{prev: th.callInfo}
		th.callInfo.next = ci
	}
	th.callInfo = th.callInfo.next
	return th.callInfo
}

// PopCallInfo just moves the cursor back; the popped node stays
// linked for reuse by a subsequent call, per spec §4.8.
func (th *Thread) PopCallInfo() {
	if th.callInfo.prev != nil {
		th.callInfo = th.callInfo.prev
	}
}

// ShrinkCallInfo halves an idle tail beyond the current frame, spec
// §4.8's recycling policy.
func (th *Thread) ShrinkCallInfo() {
	n := 0
	for ci := th.callInfo.next; ci != nil; ci = ci.next {
		n++
	}
	if n < 2 {
		return
	}
	keep := n / 2
	ci := th.callInfo
	for i := 0; i < keep; i++ {
		ci = ci.next
	}
	ci.next = nil
}

// findOrMakeUpvalue returns the single open upvalue for stack slot
// idx, creating it if absent, enforcing spec §3's "at most one open
// upvalue per (thread, stack slot)" and §8's matching invariant.
func (th *Thread) findOrMakeUpvalue(g *GlobalState, idx int) *Upvalue {
	var prev *Upvalue
	cur := th.openUpvalues
	for cur != nil && cur.stackIdx > idx {
		prev = cur
		cur = cur.threadNext
	}
	if cur != nil && cur.stackIdx == idx {
		return cur
	}
	uv := newOpenUpvalue(g, th, idx)
	uv.threadNext = cur
	if prev == nil {
		th.openUpvalues = uv
	} else {
		prev.threadNext = uv
	}
	return uv
}

// CloseUpvalues closes every open upvalue at or above level, copying
// the live stack value inline and applying the upvalue write barrier
// (barrier.go), per spec §3's open/closed transition.
func (th *Thread) CloseUpvalues(g *GlobalState, level int) {
	var kept *Upvalue
	for cur := th.openUpvalues; cur != nil; {
		next := cur.threadNext
		if cur.stackIdx >= level {
			v := cur.stack.stack[cur.stackIdx]
			cur.closed = true
			cur.value = v
			cur.stack = nil
			cur.threadNext = nil
			upvalueBarrier(g, cur)
		} else {
			cur.threadNext = kept
			kept = cur
		}
		cur = next
	}
	// Prepending reversed kept into ascending order; reverse it back
	// to the descending order findOrMakeUpvalue relies on.
	var head *Upvalue
	for cur := kept; cur != nil; {
		next := cur.threadNext
		cur.threadNext = head
		head = cur
		cur = next
	}
	th.openUpvalues = head
}

// Executor bridges a __gc metamethod (or anything else this package
// needs to call) to the host's bytecode interpreter, which is out of
// scope for this package (spec §1). Without one set, finalizers whose
// metamethod is a scripted closure are silently skipped; host
// functions/closures are always called directly.
type Executor func(g *GlobalState, fn Value, args []Value) ([]Value, error)

const (
	baseTypeCount = int(baseThread) + 1
)

// GlobalState is the allocator + accounting + GC + string table +
// registry + main-thread bundle spec §3 describes. Every operation in
// this package takes an explicit *GlobalState (or something that can
// reach one); there is no hidden package-level singleton, so multiple
// independent states can coexist in one process (spec §9).
type GlobalState struct {
	alloc   *allocShim
	gc      *gcState
	strings *StringTable

	apiCache *apiStringCache

	registry   *Table
	mainThread *Thread

	metatables [baseTypeCount]*Table
	mmNames    map[string]*String

	PanicHandler func(*Error)
	Executor     Executor

	log *zap.Logger

	idCounter uint64
}

// NewGlobalState builds a fresh, independent interpreter-core state:
// allocator, collector, string table (seeded per spec §4.3), registry
// and main thread. allocFn may be nil to use DefaultAllocator; log may
// be nil to use zap.NewNop().
func NewGlobalState(allocFn AllocFunc, log *zap.Logger) *GlobalState {
	if log == nil {
		log = zap.NewNop()
	}
	g := &GlobalState{mmNames: make(map[string]*String), log: log}
	g.alloc = newAllocShim(allocFn, nil)
	g.gc = newGCState(g, log)
	g.alloc.gc = g.gc
	g.strings = newStringTable(randomSeed())

	oom := g.strings.intern(g, "not enough memory")
	g.gc.fix(oom)
	g.apiCache = newAPIStringCache(oom)

	// Reserved words are interned and pinned once at init, spec §4.6:
	// lex.go's identifier path then only has to check a live String's
	// reserved field, never re-run the keyword table scan.
	for i, w := range reservedWords {
		s := g.strings.intern(g, w)
		s.reserved = int8(i)
		g.gc.fix(s)
	}

	g.registry = NewTable(g)
	g.gc.fix(g.registry)

	g.mainThread = newThread(g)
	g.gc.fix(g.mainThread)

	return g
}

func (g *GlobalState) newID() uint64 {
	g.idCounter++
	return g.idCounter
}

func (g *GlobalState) MainThread() *Thread { return g.mainThread }
func (g *GlobalState) Registry() *Table    { return g.registry }

func (g *GlobalState) Metatable(base Tag) *Table { return g.metatables[base.base()] }
func (g *GlobalState) SetMetatable(base Tag, mt *Table) {
	g.metatables[base.base()] = mt
}

// mmName interns and caches a metamethod name string, spec §3's
// "pre-built metamethod name strings": looked up by name once, reused
// for the life of the state instead of re-interning on every table
// operation that needs to test for a metamethod.
func (g *GlobalState) mmName(name string) *String {
	if s, ok := g.mmNames[name]; ok {
		return s
	}
	s := g.NewString(name)
	g.mmNames[name] = s
	return s
}

func (g *GlobalState) modeString() *String { return g.mmName("__mode") }

// callFinalizer invokes a table's __gc metamethod, spec §4.5/§7. A
// host function or host closure is called directly; a scripted
// closure is handed to Executor if the embedding host supplied one,
// since running bytecode is this package's one declared out-of-scope
// collaborator (spec §1).
func (g *GlobalState) callFinalizer(fin, arg Value) {
	switch fin.Tag() {
	case TagHostFunc:
		g.callHostFinalizer(fin.AsHostFunc(), arg)
	case TagHostClosure:
		c := fin.AsClosure()
		g.callHostFinalizer(c.hostFn, arg)
	default:
		if g.Executor != nil {
			_, _ = g.Executor(g, fin, []Value{arg})
		}
	}
}

// callHostFinalizer pushes arg onto the main thread's stack before
// invoking fn, so a Go-native __gc handler can read the finalized
// object off th the same way it reads any other argument, symmetric
// with the Executor branch's []Value{arg}. top is restored afterward
// so the pushed value never leaks into the thread's visible stack.
func (g *GlobalState) callHostFinalizer(fn HostFunc, arg Value) {
	th := g.mainThread
	if err := th.GrowStack(1); err != nil {
		return
	}
	base := th.top
	th.stack[base] = arg
	th.top = base + 1
	_, _ = fn(th)
	th.top = base
}

// randomSeed mirrors spec §4.3's call for a randomized seed "from
// multiple address-space and time sources to resist collision
// attacks": we have no address space to sample in Go, so we use
// crypto/rand, falling back to a time-based source only if it fails,
// which is the idiomatic Go
// substitute the teacher's own runtime reaches for for this kind of
// attacker-resistant seeding (runtime/alg.go's fastrandinit hashes
// together a timestamp and an ASLR'd address on the systems where
// PIE is available; crypto/rand is the portable equivalent here).
func randomSeed() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return binary.LittleEndian.Uint32(buf[:])
	}
	return uint32(time.Now().UnixNano())
}

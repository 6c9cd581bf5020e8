package lua

import "go.uber.org/zap"

// gcPhase is the incremental collector's state machine, spec §4.5.
type gcPhase int

const (
	gcPause gcPhase = iota
	gcPropagate
	gcAtomic
	gcSweepAllgc
	gcSweepFinobj
	gcSweepToBeFnz
	gcSweepEnd
	gcCallFin
)

func (p gcPhase) String() string {
	switch p {
	case gcPause:
		return "pause"
	case gcPropagate:
		return "propagate"
	case gcAtomic:
		return "atomic"
	case gcSweepAllgc:
		return "sweep_allgc"
	case gcSweepFinobj:
		return "sweep_finobj"
	case gcSweepToBeFnz:
		return "sweep_tobefnz"
	case gcSweepEnd:
		return "sweep_end"
	case gcCallFin:
		return "callfin"
	default:
		return "?"
	}
}

// Default pacing constants, named the way lgc.h's LUAI_GCPAUSE /
// LUAI_GCMUL are: pausePercent controls how much the heap may grow
// before the next cycle starts, stepMultiplier controls how much work
// a single step does relative to outstanding debt (spec §4.5).
const (
	defaultPausePercent   = 200
	defaultStepMultiplier = 100
)

// gcState holds everything spec §3's "Global state" ascribes to the
// collector: the current white bit, phase, every lifetime and gray
// work list, and the pacing accounting.
type gcState struct {
	g *GlobalState

	currentWhite byte
	phase        gcPhase

	allgc   gcList
	finobj  gcList
	tobefnz gcList
	fixedgc gcList

	gray      []gcObject
	grayagain []gcObject
	weak      []*Table
	ephemeron []*Table
	allweak   []*Table

	sweepIdx int // cursor into the slice snapshot taken for the current sweep sub-phase
	sweeping []gcObject

	allocated      int64
	threshold      int64
	estimate       int64
	pausePercent   int
	stepMultiplier int
	debt           int64

	log *zap.Logger
}

func newGCState(g *GlobalState, log *zap.Logger) *gcState {
	gs := &gcState{
		g:              g,
		currentWhite:   bitWhite0,
		phase:          gcPause,
		pausePercent:   defaultPausePercent,
		stepMultiplier: defaultStepMultiplier,
		threshold:      1024,
		log:            log,
	}
	return gs
}

func (gs *gcState) otherWhite() byte {
	if gs.currentWhite == bitWhite0 {
		return bitWhite1
	}
	return bitWhite0
}

// addDebt books an allocation (or deallocation, via a negative n)
// against both the allocated total and the pacing debt. The debt is
// reset to zero when a cycle ends; threshold is not subtracted from it.
func (gs *gcState) addDebt(n int64) {
	gs.allocated += n
	gs.debt += n
}

func (gs *gcState) debtBytes(n int) { gs.addDebt(int64(n)) }

// CheckGC is the check_gc macro hook of spec §4.1: called at
// allocation sites, it drives one GC step whenever debt has gone
// positive.
func (gs *gcState) CheckGC() {
	if gs.debt > 0 {
		gs.Step()
	}
}

// Step performs one increment of collector work, sized to
// debt*stepMultiplier/100, per spec §4.5. Each step is finite and
// returns control to the mutator; only the atomic phase (and a forced
// fullCycle) runs to completion in one call.
func (gs *gcState) Step() {
	work := gs.debt * int64(gs.stepMultiplier) / 100
	if work < 1 {
		work = 1
	}
	gs.runPhase(work)
}

// fullCycle runs the collector to completion regardless of debt, as
// spec §4.1 requires on an allocator emergency (failed grow) and as
// collectgarbage("collect") requires for a host-requested full pass.
func (gs *gcState) fullCycle() {
	for gs.phase != gcPause {
		gs.runPhase(1 << 30)
	}
	gs.runPhase(1 << 30) // pause -> propagate -> ... -> back to pause
	for gs.phase != gcPause {
		gs.runPhase(1 << 30)
	}
}

func (gs *gcState) runPhase(budget int64) {
	switch gs.phase {
	case gcPause:
		gs.markRoots()
		gs.phase = gcPropagate
	case gcPropagate:
		gs.propagate(budget)
	case gcAtomic:
		gs.atomic()
		gs.phase = gcSweepAllgc
	case gcSweepAllgc:
		gs.sweepList(&gs.allgc, gcSweepFinobj)
	case gcSweepFinobj:
		gs.sweepList(&gs.finobj, gcSweepToBeFnz)
	case gcSweepToBeFnz:
		gs.sweepToBeFnz(gcSweepEnd)
	case gcSweepEnd:
		gs.g.strings.sweepStrings(gs.currentWhite)
		if gs.tobefnz.empty() {
			gs.phase = gcPause
			gs.debt = 0
		} else {
			gs.phase = gcCallFin
		}
	case gcCallFin:
		gs.callOneFinalizer()
		if gs.tobefnz.empty() {
			gs.phase = gcPause
			gs.debt = 0
		}
	}
	gs.debt -= budget
}

// markRoots marks the main thread, registry and primitive-type
// metatables gray, per spec §4.5's `pause` transition.
func (gs *gcState) markRoots() {
	// Neither root is on a swept list, so neither is repainted white by
	// the previous cycle's sweep; repaint here so markObject rescans it.
	if gs.g.mainThread != nil {
		gs.g.mainThread.header().paint(gs.currentWhite)
		gs.markObject(gs.g.mainThread)
	}
	if gs.g.registry != nil {
		gs.g.registry.header().paint(gs.currentWhite)
		gs.markObject(gs.g.registry)
	}
	for _, mt := range gs.g.metatables {
		if mt != nil {
			gs.markObject(mt)
		}
	}
}

// markObject shades o gray and enqueues it, if it was white. This is
// the shared core behind root marking, the generic/forward write
// barrier, and scanning a gray object's children.
func (gs *gcState) markObject(o gcObject) {
	if o == nil {
		return
	}
	h := o.header()
	if h.marked&maskColors != gs.currentWhite {
		return // already gray or black
	}
	h.makeGray()
	gs.gray = append(gs.gray, o)
}

func (gs *gcState) markValue(v Value) {
	if o := v.Object(); o != nil {
		gs.markObject(o)
	}
}

// propagate pops gray objects and scans their children until either
// the budget is exhausted or the gray list empties, at which point
// the collector advances to atomic, per spec §4.5.
func (gs *gcState) propagate(budget int64) {
	for budget > 0 {
		if len(gs.gray) == 0 {
			gs.phase = gcAtomic
			return
		}
		n := len(gs.gray) - 1
		o := gs.gray[n]
		gs.gray = gs.gray[:n]
		cost := gs.scanObject(o)
		o.header().makeBlack()
		budget -= cost
	}
}

// scanObject marks every reference held by o gray, returning a cost
// proportional to the number of references traversed for pacing.
func (gs *gcState) scanObject(o gcObject) int64 {
	switch obj := o.(type) {
	case *Table:
		return gs.scanTable(obj)
	case *Closure:
		return gs.scanClosure(obj)
	case *Prototype:
		return gs.scanPrototype(obj)
	case *Upvalue:
		if obj.closed {
			gs.markValue(obj.value)
		}
		return 1
	case *Userdata:
		if obj.metatable != nil {
			gs.markObject(obj.metatable)
		}
		gs.markValue(obj.value)
		return 2
	case *Thread:
		return gs.scanThread(obj)
	case *String:
		return 1
	default:
		return 1
	}
}

func (gs *gcState) scanTable(t *Table) int64 {
	mode := t.weakMode()
	if mode.weakKeys && mode.weakValues {
		gs.allweak = append(gs.allweak, t)
		return 1
	}
	if mode.weakKeys {
		gs.ephemeron = append(gs.ephemeron, t)
		return 1
	}
	if mode.weakValues {
		gs.weak = append(gs.weak, t)
		return 1
	}
	for _, v := range t.array {
		gs.markValue(v)
	}
	for _, n := range t.node {
		if !n.key.IsNil() {
			gs.markValue(n.key)
			gs.markValue(n.val)
		}
	}
	if t.metatable != nil {
		gs.markObject(t.metatable)
	}
	return int64(len(t.array) + len(t.node) + 1)
}

func (gs *gcState) scanClosure(c *Closure) int64 {
	if c.proto != nil {
		gs.markObject(c.proto)
	}
	for _, uv := range c.upvalues {
		if uv != nil {
			gs.markObject(uv)
		}
	}
	for _, v := range c.hostUpvalues {
		gs.markValue(v)
	}
	return int64(len(c.upvalues) + len(c.hostUpvalues) + 1)
}

func (gs *gcState) scanPrototype(p *Prototype) int64 {
	for _, k := range p.Constants {
		gs.markValue(k)
	}
	for _, np := range p.Protos {
		gs.markObject(np)
	}
	if p.Source != nil {
		gs.markObject(p.Source)
	}
	// The one-slot closure cache (closure.go's closureFor) keeps its
	// closure alive exactly like lfunc.c's Proto.cache does: a
	// prototype that still reaches it here is itself reachable, so
	// marking it through prevents closureFor from ever handing back a
	// swept object.
	if p.cachedClosure != nil {
		gs.markObject(p.cachedClosure)
	}
	return int64(len(p.Constants) + len(p.Protos) + 1)
}

func (gs *gcState) scanThread(th *Thread) int64 {
	n := 0
	for _, v := range th.stack[:th.top] {
		gs.markValue(v)
		n++
	}
	for uv := th.openUpvalues; uv != nil; uv = uv.threadNext {
		gs.markObject(uv)
		n++
	}
	return int64(n + 1)
}

// atomic is the single indivisible step of spec §4.5: re-scan
// mutator-dirtied (grayagain) objects, resolve weak/ephemeron table
// survivors, re-mark the running thread's stack, separate unreachable
// finalizable objects onto tobefnz, and flip the current white.
func (gs *gcState) atomic() {
	for len(gs.grayagain) > 0 {
		n := len(gs.grayagain) - 1
		o := gs.grayagain[n]
		gs.grayagain = gs.grayagain[:n]
		gs.scanObject(o)
		o.header().makeBlack()
	}
	if gs.g.mainThread != nil {
		gs.scanThread(gs.g.mainThread)
	}
	gs.resolveEphemerons()
	gs.clearWeakTables()
	gs.separateFinalizable()
	gs.flipCurrentWhite()
}

// resolveEphemerons implements spec §4.5's ephemeron fixed-point: a
// value is retained only if its key is reachable, iterated until no
// further keys become reachable (spec §9's bounded-by-edge-count
// note).
func (gs *gcState) resolveEphemerons() {
	changed := true
	for changed {
		changed = false
		for _, t := range gs.ephemeron {
			for i := range t.node {
				n := &t.node[i]
				if n.key.IsNil() {
					continue
				}
				keyObj := n.key.Object()
				keyLive := keyObj == nil || !keyObj.header().isWhite()
				if keyLive {
					if o := n.val.Object(); o != nil && o.header().isWhite() {
						gs.markObject(o)
						changed = true
					}
				}
			}
		}
		for len(gs.gray) > 0 {
			n := len(gs.gray) - 1
			o := gs.gray[n]
			gs.gray = gs.gray[:n]
			gs.scanObject(o)
			o.header().makeBlack()
			changed = true
		}
	}
}

// clearWeakTables drops entries whose non-weak side never got marked.
func (gs *gcState) clearWeakTables() {
	for _, t := range gs.weak {
		for i := range t.node {
			n := &t.node[i]
			if n.key.IsNil() {
				continue
			}
			if o := n.val.Object(); o != nil && o.header().isWhite() {
				n.key, n.val = NilValue(), NilValue()
			}
		}
	}
	for _, t := range gs.ephemeron {
		for i := range t.node {
			n := &t.node[i]
			if n.key.IsNil() {
				continue
			}
			if o := n.key.Object(); o != nil && o.header().isWhite() {
				n.key, n.val = NilValue(), NilValue()
			}
		}
	}
	for _, t := range gs.allweak {
		for i := range t.node {
			n := &t.node[i]
			if n.key.IsNil() {
				continue
			}
			kDead := n.key.Object() != nil && n.key.Object().header().isWhite()
			vDead := n.val.Object() != nil && n.val.Object().header().isWhite()
			if kDead || vDead {
				n.key, n.val = NilValue(), NilValue()
			}
		}
	}
	gs.weak, gs.ephemeron, gs.allweak = nil, nil, nil
}

// separateFinalizable moves unreachable-but-finalizable tables onto
// tobefnz and resurrects them for this cycle, per spec §4.5's
// Finalization paragraph.
func (gs *gcState) separateFinalizable() {
	var keep []gcObject
	for cur := gs.finobj.head; cur != nil; {
		next := cur.header().lnext
		cur.header().lnext = nil
		if cur.header().marked&maskWhites != 0 {
			gs.markObject(cur)
			for len(gs.gray) > 0 {
				n := len(gs.gray) - 1
				o := gs.gray[n]
				gs.gray = gs.gray[:n]
				gs.scanObject(o)
				o.header().makeBlack()
			}
			gs.tobefnz.push(cur)
		} else {
			keep = append(keep, cur)
		}
		cur = next
	}
	gs.finobj.head = nil
	for i := len(keep) - 1; i >= 0; i-- {
		gs.finobj.push(keep[i])
	}
}

func (gs *gcState) flipCurrentWhite() {
	gs.currentWhite = gs.otherWhite()
}

// sweepList frees dead-white objects from list and flips survivors to
// the new current white, advancing to next once exhausted. Real Lua
// sweeps incrementally a few slots per step; we sweep a list in one
// shot per call since our lists are intrusive linked lists of Go
// objects, not OS memory spans — the incrementality that matters for spec §5
// (bounded work per step, no mid-instruction suspension) is preserved
// at the phase granularity instead.
func (gs *gcState) sweepList(list *gcList, next gcPhase) {
	newWhite := gs.currentWhite
	list.filter(func(o gcObject) bool {
		h := o.header()
		if h.isDeadWhite(newWhite) {
			return false
		}
		h.paint(newWhite)
		return true
	}, func(o gcObject) {})
	gs.phase = next
}

func (gs *gcState) sweepToBeFnz(next gcPhase) {
	// Objects on tobefnz were just resurrected in atomic(); they are
	// never swept, so this phase only advances to the next one, per
	// spec §3's lifecycle (they move to callfin, not to free).
	gs.phase = next
}

// callOneFinalizer runs a single pending finalizer, per spec §4.5's
// `callfin` phase: one per step, protected, with any error it raises
// converted to gc-metamethod and logged as a warning rather than
// re-raised (spec §7). An error value a host finalizer returns is
// discarded by callFinalizer.
func (gs *gcState) callOneFinalizer() {
	o := gs.tobefnz.pop()
	if o == nil {
		return
	}
	// Moving off tobefnz back onto allgc: repaint to current white so
	// this cycle's finished sweep doesn't leave it permanently black
	// (isDeadWhite never condemns a colorless-black object), letting
	// the next cycle's mark phase judge its reachability normally.
	o.header().paint(gs.currentWhite)
	t, ok := o.(*Table)
	if !ok || t.metatable == nil {
		gs.allgc.push(o)
		return
	}
	fin := t.metatable.Get(StringValue(gs.g.mmName("__gc")))
	gs.allgc.push(o)
	if fin.IsNil() || !fin.tag.IsFunction() {
		return
	}
	err := Protect(func() {
		gs.g.callFinalizer(fin, TableValue(t))
	})
	if err != nil {
		gcErr := newError(ErrGCMetamethod, Location{}, "%v", err)
		if gs.log != nil {
			gs.log.Warn("error in __gc metamethod", zap.Error(gcErr))
		}
	}
}

// fix removes o from whichever lifetime list it currently lives on
// and places it on fixedgc, spec §3's "never swept" root set. Used
// once each, right after construction, for the string table's pinned
// out-of-memory string, the reserved-word strings, the registry and
// the main thread.
func (gs *gcState) fix(o gcObject) {
	removed := false
	gs.allgc.filter(func(c gcObject) bool {
		if c == o {
			removed = true
			return false
		}
		return true
	}, func(gcObject) {})
	if !removed {
		gs.finobj.filter(func(c gcObject) bool {
			if c == o {
				removed = true
				return false
			}
			return true
		}, func(gcObject) {})
	}
	o.header().setFixed()
	if removed {
		gs.fixedgc.push(o)
	}
	// Objects that never lived on allgc/finobj to begin with (short
	// strings: strtab.go keeps them solely in the intern table) simply
	// get the fixed bit; there is no list for them to move onto.
}

// registerFinalizer moves o from allgc onto finobj the first time its
// metatable is found to carry __gc (table.go's SetMetatable), per
// spec §4.5's Finalization paragraph.
func (gs *gcState) registerFinalizer(o gcObject) {
	removed := false
	gs.allgc.filter(func(c gcObject) bool {
		if c == o {
			removed = true
			return false
		}
		return true
	}, func(gcObject) {})
	if removed {
		gs.finobj.push(o)
	}
}

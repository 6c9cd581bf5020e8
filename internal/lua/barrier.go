package lua

// Write barriers, spec §4.5: keep the tri-color invariant (no black
// object ever points directly at a white one) intact across mutator
// writes that happen while the collector is mid-cycle. Grounded on
// mbarrier.go's writebarrierptr family — the same "only do anything
// while a barrier is armed, and shade rather than re-scan" shape, cut
// down to this collector's coarser object-at-a-time granularity
// rather than per-word.

// barrierActive reports whether the collector is in a phase where a
// black object can still be found holding a stale reference to a
// white one: only true during propagate and atomic, mirroring
// writeBarrierEnabled's phase gating in the teacher runtime.
func (gs *gcState) barrierActive() bool {
	return gs.phase == gcPropagate || gs.phase == gcAtomic
}

// forwardBarrier implements spec §4.5's general-case barrier: when a
// black object o is about to hold a reference to white value v, shade
// v directly (advance it rather than let o regress to gray). Used by
// every container except tables — closures, prototypes, userdata,
// open-to-closed upvalue transitions.
func forwardBarrier(g *GlobalState, o gcObject, v Value) {
	gs := g.gc
	if !gs.barrierActive() {
		return
	}
	if !o.header().isBlack() {
		return
	}
	target := v.Object()
	if target == nil || !target.header().isWhite() {
		return
	}
	gs.markObject(target)
}

// forwardBarrierObject is forwardBarrier's non-Value form, for sites
// that hold a gcObject directly (a Prototype's nested Protos, a
// Closure's Prototype) rather than a boxed Value.
func forwardBarrierObject(g *GlobalState, o gcObject, target gcObject) {
	gs := g.gc
	if !gs.barrierActive() || target == nil {
		return
	}
	if !o.header().isBlack() {
		return
	}
	if !target.header().isWhite() {
		return
	}
	gs.markObject(target)
}

// backwardBarrier implements spec §4.5's table-specific barrier: a
// black table written through drops back to gray and is requeued on
// grayagain, to be rescanned wholesale in the atomic phase rather than
// tracking the individual new reference. Tables get this cheaper
// treatment (instead of forwardBarrier) because a table already pays
// for a full scan every time it's dequeued from gray, so re-scanning
// it again in atomic is less wasteful than it would be for a
// seldom-rewritten closure or prototype.
func backwardBarrier(g *GlobalState, t *Table) {
	gs := g.gc
	if !gs.barrierActive() {
		return
	}
	h := t.header()
	if !h.isBlack() {
		return
	}
	h.makeGray()
	gs.grayagain = append(gs.grayagain, t)
}

// upvalueBarrier covers the one transition forwardBarrier can't: an
// open upvalue closing over a white stack value. Open upvalues are
// never barriered on ordinary writes (their referent lives on a stack
// the collector re-marks wholesale via scanThread), so the only
// moment that matters is the instant it closes and starts owning its
// value directly, per spec §4.5's "Upvalue barrier" paragraph.
func upvalueBarrier(g *GlobalState, u *Upvalue) {
	forwardBarrier(g, u, u.value)
}

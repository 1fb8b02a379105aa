package heap

import (
	"time"

	"go.uber.org/zap"
)

type gcReason int

const (
	gcReasonForced gcReason = iota
	gcReasonPrecise
	gcReasonConservative
	gcReasonTesting
	gcReasonThreadTermination
)

func (r gcReason) String() string {
	switch r {
	case gcReasonForced:
		return "forced"
	case gcReasonPrecise:
		return "precise"
	case gcReasonConservative:
		return "conservative"
	case gcReasonTesting:
		return "testing"
	case gcReasonThreadTermination:
		return "termination"
	}
	return "unknown"
}

// CollectGarbage runs a global collection initiated by ts. stackState says
// whether ts itself may hold heap pointers that only its StackScanner can
// report. It returns false if the collection could not stop the other
// threads, in which case one is scheduled for the next safepoint.
func (ts *ThreadState) CollectGarbage(stackState StackState, gcType GCType) bool {
	ts.checkAttached()
	if gcType == ThreadTerminationGC {
		throw("heap: thread termination GCs are run by Detach")
	}
	return ts.collectGarbage(stackState, gcType, gcReasonForced)
}

// CollectAllGarbage runs precise collections with sweep until the marked
// size stops changing, at most five times, so that objects released by
// finalizers of the previous round are reclaimed too.
func (rt *Runtime) CollectAllGarbage(ts *ThreadState) {
	previous := int64(-1)
	for i := 0; i < 5; i++ {
		ts.CollectGarbage(NoHeapPointersOnStack, GCWithSweep)
		marked := rt.stats.markedObjectSize.Load()
		if marked == previous {
			break
		}
		previous = marked
	}
}

func (ts *ThreadState) collectGarbage(stackState StackState, gcType GCType, reason gcReason) bool {
	rt := ts.rt
	if ts.isGCForbidden() {
		throw("heap: nested GC on thread %d", ts.id)
	}
	ts.setGCState(StoppingOtherThreads)

	ts.EnterGCForbiddenScope()
	defer ts.LeaveGCForbiddenScope()

	ts.enterSafePoint(stackState)
	if !rt.attachMu.TryLock() {
		// Another GC, or a thread attaching or detaching, holds the
		// lock. Once out of the safepoint our state may have been
		// changed by that GC.
		ts.leaveSafePoint()
		if ts.gcState == StoppingOtherThreads {
			ts.setGCState(GCScheduled)
		}
		ts.preSweep()
		rt.gcLog.Warn("gc aborted: could not stop threads", zap.Int("thread", ts.id), zap.Stringer("reason", reason))
		return false
	}

	start := time.Now()
	n := len(rt.threads)
	rt.setPhase(PhaseStoppingOtherThreads)
	rt.barrier.parkOthers(n)
	rt.setPhase(PhaseMarking)

	ts.enterNoAllocationScope()
	v := rt.collect(gcType)
	ts.leaveNoAllocationScope()

	conservative := rt.lastGCWasConservative
	rt.setPhase(PhaseSweeping)
	pause := time.Since(start)
	gc := rt.gcCount.Add(1)
	rt.pauses.record(pause)

	rt.barrier.resumeOthers(n)
	rt.attachMu.Unlock()
	ts.leaveSafePoint()
	ts.preSweep()
	rt.setPhase(PhaseIdle)

	if rt.cfg.GCTrace {
		rt.gcLog.Info("gc",
			zap.Int64("gc", gc),
			zap.Int("thread", ts.id),
			zap.Stringer("type", gcType),
			zap.Stringer("reason", reason),
			zap.Duration("pause", pause),
			zap.Int("markedObjects", v.marked),
			zap.Uintptr("markedBytes", v.markedBytes),
			zap.Int64("allocatedSpace", rt.stats.allocatedSpace.Load()),
			zap.Bool("conservative", conservative),
			zap.Int("threads", n))
	}
	return true
}

// collect marks from all roots, processes weak references and schedules
// the sweep of every thread. Every attached thread is parked and attachMu
// is held. It returns the visitor that did the marking.
func (rt *Runtime) collect(gcType GCType) *Visitor {
	rt.doesNotContain.flush()
	for _, t := range rt.threads {
		t.preGC()
	}
	rt.stats.resetForGC()
	rt.lastGCWasConservative = false

	v := &Visitor{rt: rt, mode: globalMarking}
	if rt.markingProfile != nil {
		rt.markingProfile.begin()
	}

	rt.crossThreadPersistents.lock()
	v.setRoot("cross-thread persistent")
	rt.crossThreadPersistents.trace(v)
	for _, t := range rt.threads {
		t.visitPersistents(v)
	}
	rt.processMarkingStack(v)

	for _, t := range rt.threads {
		t.visitStack(v)
	}
	if rt.lastGCWasConservative {
		rt.processMarkingStack(v)
	}

	rt.postMarkingProcessing(v)
	rt.globalWeakProcessing(v)
	rt.crossThreadPersistents.unlock()

	rt.orphanedPagePool.decommitOrphanedPages(rt.freePagePool)

	gc := rt.gcCount.Load() + 1
	if rt.cfg.ProfileHeap {
		snap := rt.takeSnapshot(gc)
		rt.profMu.Lock()
		rt.lastSnapshot = snap
		rt.profMu.Unlock()
	}
	if rt.markingProfile != nil {
		prof := rt.markingProfile.end(gc)
		rt.profMu.Lock()
		rt.lastMarkingProfile = prof
		rt.profMu.Unlock()
	}

	for _, t := range rt.threads {
		t.postGC(gcType)
	}
	return v
}

// collectGarbageForTerminatingThread runs a collection that only marks
// and sweeps the pages of ts, from ts's own persistents. The caller holds
// attachMu, so no global GC runs concurrently. Stacks are not scanned:
// a terminating thread has nothing left on its stack.
func (rt *Runtime) collectGarbageForTerminatingThread(ts *ThreadState) {
	ts.EnterGCForbiddenScope()
	ts.enterNoAllocationScope()
	ts.preGC()

	v := &Visitor{rt: rt, mode: threadLocalMarking}
	ts.visitPersistents(v)
	rt.processMarkingStack(v)
	rt.postMarkingProcessing(v)
	rt.globalWeakProcessing(v)

	ts.postGC(GCWithSweep)
	ts.leaveNoAllocationScope()
	ts.preSweep()
	ts.LeaveGCForbiddenScope()

	ts.log.Debug("gc", zap.Stringer("reason", gcReasonThreadTermination), zap.Int("markedObjects", v.marked))
}

// processMarkingStack traces until the marking stack is empty and iterating
// the registered ephemeron tables marks nothing new. Values without a trace
// callback never reach the marking stack, so progress is measured in marked
// objects.
func (rt *Runtime) processMarkingStack(v *Visitor) {
	for {
		for v.trace() {
		}
		before := v.marked
		rt.ephemeronStack.forEach(func(e ephemeronItem) { e.iterate(v, e.table) })
		if v.marked == before {
			return
		}
	}
}

func (rt *Runtime) postMarkingProcessing(v *Visitor) {
	for {
		item, ok := rt.postMarkingStack.pop()
		if !ok {
			break
		}
		item.cb(v, item.obj)
	}
	rt.ephemeronStack.clear()
	if !rt.markingStack.isEmpty() {
		throw("heap: post-marking callbacks pushed trace work")
	}
}

// globalWeakProcessing runs every registered weak callback.
func (rt *Runtime) globalWeakProcessing(v *Visitor) {
	for {
		item, ok := rt.weakCallbackStack.pop()
		if !ok {
			break
		}
		item.cb(v, item.closure)
	}
	if !rt.markingStack.isEmpty() {
		throw("heap: weak callbacks pushed trace work")
	}
}

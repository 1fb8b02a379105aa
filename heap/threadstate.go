package heap

import (
	"go.uber.org/zap"
)

// StackState tells the collector whether a thread parked at a safepoint may
// hold heap pointers the collector cannot see precisely.
type StackState int

const (
	NoHeapPointersOnStack StackState = iota
	HeapPointersOnStack
)

func (s StackState) String() string {
	if s == HeapPointersOnStack {
		return "HeapPointersOnStack"
	}
	return "NoHeapPointersOnStack"
}

// GCType selects how a collection ends.
type GCType int

const (
	// GCWithSweep sweeps the initiating thread's heaps before returning.
	GCWithSweep GCType = iota
	// GCWithoutSweep leaves every heap to be swept lazily.
	GCWithoutSweep
	// ThreadTerminationGC is the thread-local collection run by Detach.
	ThreadTerminationGC
)

func (t GCType) String() string {
	switch t {
	case GCWithSweep:
		return "GCWithSweep"
	case GCWithoutSweep:
		return "GCWithoutSweep"
	case ThreadTerminationGC:
		return "ThreadTerminationGC"
	}
	return "GCType(?)"
}

// GCState is the per-thread collection state.
type GCState int

const (
	NoGCScheduled GCState = iota
	GCScheduled
	GCScheduledForTesting
	StoppingOtherThreads
	GCRunning
	EagerSweepScheduled
	LazySweepScheduled
	Sweeping
)

var gcStateNames = [...]string{
	"NoGCScheduled", "GCScheduled", "GCScheduledForTesting", "StoppingOtherThreads",
	"GCRunning", "EagerSweepScheduled", "LazySweepScheduled", "Sweeping",
}

func (s GCState) String() string {
	if s < 0 || int(s) >= len(gcStateNames) {
		return "GCState(?)"
	}
	return gcStateNames[s]
}

// StackScanner reports the words of a thread's stack, or of whatever else
// should be treated as conservative roots, to mark.
type StackScanner func(mark func(Address))

// RootsCallback reports extra strong roots of a thread.
type RootsCallback func(v *Visitor)

// PreFinalizer runs on the owner thread before the sweep that will reclaim
// its object. The object and everything it references are still intact.
type PreFinalizer func(obj Address)

type rootsEntry struct {
	id   int
	name string
	fn   RootsCallback
}

// ThreadState is a mutator thread attached to a Runtime. It owns one
// ThreadHeap per HeapIndex. A ThreadState must only be used by the
// goroutine that attached it; other goroutines interact with it through
// the runtime's safepoint protocol.
type ThreadState struct {
	rt  *Runtime
	id  int
	log *zap.Logger

	heaps [NumberOfHeaps]*ThreadHeap

	gcState      GCState
	atSafePoint  bool
	stackState   StackState
	stackScanner StackScanner

	sweepForbiddenCount int
	gcForbiddenCount    int
	noAllocationCount   int
	isTerminating       bool
	detached            bool

	persistents   *persistentRegion
	roots         []rootsEntry
	nextRootID    int
	preFinalizers map[Address]PreFinalizer
}

func newThreadState(rt *Runtime, id int) *ThreadState {
	ts := &ThreadState{
		rt:            rt,
		id:            id,
		log:           rt.log.With(zap.Int("thread", id)),
		persistents:   newPersistentRegion(false),
		preFinalizers: make(map[Address]PreFinalizer),
	}
	for i := range ts.heaps {
		ts.heaps[i] = newThreadHeap(ts, HeapIndex(i))
	}
	return ts
}

// ID returns the thread's attach number.
func (ts *ThreadState) ID() int { return ts.id }

// Runtime returns the runtime the thread is attached to.
func (ts *ThreadState) Runtime() *Runtime { return ts.rt }

// GCState returns the thread's collection state.
func (ts *ThreadState) GCState() GCState { return ts.gcState }

func (ts *ThreadState) checkAttached() {
	if ts.detached {
		throw("heap: thread %d used after Detach", ts.id)
	}
}

// Allocate returns the payload of a new zeroed object of the given size,
// on the normal heap for that size.
func (ts *ThreadState) Allocate(size uintptr, gcInfoIndex GCInfoIndex) Address {
	return ts.AllocateOn(heapIndexForObjectSize(size), size, gcInfoIndex)
}

// AllocateOn allocates on a specific heap.
func (ts *ThreadState) AllocateOn(index HeapIndex, size uintptr, gcInfoIndex GCInfoIndex) Address {
	ts.checkAttached()
	if index < 0 || int(index) >= NumberOfHeaps {
		throw("heap: bad heap index %d", index)
	}
	if !ts.isAllocationAllowed() {
		throw("heap: allocation on thread %d in a no-allocation scope", ts.id)
	}
	if gcInfoIndex == gcInfoIndexForFreeList || int(gcInfoIndex) >= ts.rt.gcInfos.len() {
		throw("heap: allocation with unregistered gcInfoIndex %d", gcInfoIndex)
	}
	return ts.heaps[index].allocate(size, gcInfoIndex)
}

func (ts *ThreadState) isAllocationAllowed() bool { return ts.noAllocationCount == 0 }

func (ts *ThreadState) enterNoAllocationScope() { ts.noAllocationCount++ }

func (ts *ThreadState) leaveNoAllocationScope() {
	if ts.noAllocationCount == 0 {
		throw("heap: unbalanced no-allocation scope")
	}
	ts.noAllocationCount--
}

func (ts *ThreadState) sweepForbidden() bool { return ts.sweepForbiddenCount > 0 }

func (ts *ThreadState) enterSweepForbidden() { ts.sweepForbiddenCount++ }

func (ts *ThreadState) leaveSweepForbidden() {
	if ts.sweepForbiddenCount == 0 {
		throw("heap: unbalanced sweep-forbidden scope")
	}
	ts.sweepForbiddenCount--
}

func (ts *ThreadState) isGCForbidden() bool { return ts.gcForbiddenCount > 0 }

// EnterGCForbiddenScope keeps the thread from starting a collection until
// the matching LeaveGCForbiddenScope. Collections started by other threads
// still run when this one reaches a safepoint.
func (ts *ThreadState) EnterGCForbiddenScope() { ts.gcForbiddenCount++ }

func (ts *ThreadState) LeaveGCForbiddenScope() {
	if ts.gcForbiddenCount == 0 {
		throw("heap: unbalanced GC-forbidden scope")
	}
	ts.gcForbiddenCount--
}

func (ts *ThreadState) isSweepingInProgress() bool { return ts.gcState == Sweeping }

func (ts *ThreadState) isInGC() bool { return ts.gcState == GCRunning }

// setGCState moves the thread to s, checking the transition is legal.
func (ts *ThreadState) setGCState(s GCState) {
	from := ts.gcState
	ok := false
	switch s {
	case NoGCScheduled:
		ok = from == StoppingOtherThreads || from == Sweeping
	case GCScheduled, GCScheduledForTesting:
		ok = from == NoGCScheduled || from == GCScheduled || from == GCScheduledForTesting ||
			from == StoppingOtherThreads
		if ok {
			ts.completeSweep()
		}
	case StoppingOtherThreads:
		ok = from == NoGCScheduled || from == GCScheduled || from == GCScheduledForTesting ||
			from == Sweeping
		if ok {
			ts.completeSweep()
		}
	case GCRunning:
		ok = from != GCRunning
	case EagerSweepScheduled, LazySweepScheduled:
		ok = from == GCRunning
	case Sweeping:
		ok = from == EagerSweepScheduled || from == LazySweepScheduled
	}
	if !ok {
		throw("heap: thread %d: bad GC state transition %s -> %s", ts.id, from, s)
	}
	ts.gcState = s
}

// scheduleGC asks for a precise collection at the thread's next safepoint
// without heap pointers on its stack.
func (ts *ThreadState) scheduleGC() {
	if ts.gcState == NoGCScheduled || ts.gcState == GCScheduled {
		ts.setGCState(GCScheduled)
	}
}

// ScheduleGCForTesting arranges for the next SafePoint(NoHeapPointersOnStack)
// to run a full collection with sweep.
func (ts *ThreadState) ScheduleGCForTesting() {
	ts.checkAttached()
	switch ts.gcState {
	case NoGCScheduled, GCScheduled, GCScheduledForTesting:
		ts.setGCState(GCScheduledForTesting)
	}
}

func (ts *ThreadState) shouldForceConservativeGC() bool {
	st := &ts.rt.stats
	allocated := st.allocatedObjectSize.Load()
	marked := st.markedObjectSize.Load()
	if allocated >= conservativeGCCap && allocated > marked/2 {
		return true
	}
	return allocated >= ts.rt.cfg.ConservativeGCThreshold && allocated > 4*marked
}

func (ts *ThreadState) shouldSchedulePreciseGC() bool {
	st := &ts.rt.stats
	allocated := st.allocatedObjectSize.Load()
	return allocated >= ts.rt.cfg.PreciseGCThreshold && allocated > st.markedObjectSize.Load()/2
}

// scheduleGCOrForceConservativeGCIfNeeded is consulted on the slow
// allocation paths. Heap growth well past what the last collection found
// alive forces an immediate conservative collection if the thread can
// report its conservative roots; more moderate growth schedules a precise
// one.
func (ts *ThreadState) scheduleGCOrForceConservativeGCIfNeeded() {
	if !ts.rt.cfg.AutomaticGC {
		return
	}
	if ts.isSweepingInProgress() || ts.sweepForbidden() || ts.isGCForbidden() {
		return
	}
	if ts.gcState != NoGCScheduled && ts.gcState != GCScheduled {
		return
	}
	if ts.shouldForceConservativeGC() {
		if ts.stackScanner != nil {
			ts.collectGarbage(HeapPointersOnStack, GCWithoutSweep, gcReasonConservative)
			return
		}
		ts.scheduleGC()
		return
	}
	if ts.shouldSchedulePreciseGC() {
		ts.scheduleGC()
	}
}

func (ts *ThreadState) runScheduledGC(stackState StackState) {
	if stackState != NoHeapPointersOnStack || ts.isGCForbidden() {
		return
	}
	switch ts.gcState {
	case GCScheduled:
		ts.collectGarbage(NoHeapPointersOnStack, GCWithoutSweep, gcReasonPrecise)
	case GCScheduledForTesting:
		ts.collectGarbage(NoHeapPointersOnStack, GCWithSweep, gcReasonTesting)
	}
}

// SafePoint tells the runtime the thread is at a point where it may be
// stopped. It runs a scheduled collection if stackState allows, parks the
// thread while another thread collects, and then starts the sweep that
// collection scheduled.
func (ts *ThreadState) SafePoint(stackState StackState) {
	ts.checkAttached()
	ts.runScheduledGC(stackState)
	if ts.atSafePoint {
		throw("heap: nested safepoint on thread %d", ts.id)
	}
	ts.stackState = stackState
	ts.atSafePoint = true
	ts.rt.barrier.checkAndPark()
	ts.atSafePoint = false
	ts.stackState = NoHeapPointersOnStack
	ts.preSweep()
}

// EnterSafePoint lets the thread block outside of the heap. Collections on
// other threads proceed without waiting for it until LeaveSafePoint. The
// thread must not touch the heap in between.
func (ts *ThreadState) EnterSafePoint(stackState StackState) {
	ts.checkAttached()
	ts.runScheduledGC(stackState)
	ts.enterSafePoint(stackState)
}

// LeaveSafePoint blocks while a collection that counted on the thread being
// parked is still running, then sweeps if that collection asked for it.
func (ts *ThreadState) LeaveSafePoint() {
	ts.leaveSafePoint()
	ts.preSweep()
}

func (ts *ThreadState) enterSafePoint(stackState StackState) {
	if ts.atSafePoint {
		throw("heap: nested safepoint on thread %d", ts.id)
	}
	ts.atSafePoint = true
	ts.stackState = stackState
	ts.rt.barrier.enterSafePoint()
}

func (ts *ThreadState) leaveSafePoint() {
	if !ts.atSafePoint {
		throw("heap: thread %d is not at a safepoint", ts.id)
	}
	ts.rt.barrier.leaveSafePoint()
	ts.atSafePoint = false
	ts.stackState = NoHeapPointersOnStack
}

// SafePointScope runs fn with the thread at a safepoint.
func (ts *ThreadState) SafePointScope(stackState StackState, fn func()) {
	ts.EnterSafePoint(stackState)
	defer ts.LeaveSafePoint()
	fn()
}

// SetStackScanner installs the thread's conservative root reporter. It is
// called during collections that find the thread parked with
// HeapPointersOnStack, and enables forced conservative collections.
func (ts *ThreadState) SetStackScanner(s StackScanner) { ts.stackScanner = s }

// AddRoots registers an extra root callback and returns a function that
// removes it.
func (ts *ThreadState) AddRoots(name string, fn RootsCallback) (remove func()) {
	ts.nextRootID++
	id := ts.nextRootID
	ts.roots = append(ts.roots, rootsEntry{id: id, name: name, fn: fn})
	return func() {
		for i, r := range ts.roots {
			if r.id == id {
				ts.roots = append(ts.roots[:i], ts.roots[i+1:]...)
				return
			}
		}
	}
}

// RegisterPreFinalizer registers fn to run before obj is swept. The
// registration is consumed when it runs.
func (ts *ThreadState) RegisterPreFinalizer(obj Address, fn PreFinalizer) {
	ts.checkAttached()
	if ts.isInGC() {
		throw("heap: registering a pre-finalizer during GC")
	}
	ts.preFinalizers[obj] = fn
}

// UnregisterPreFinalizer drops the registration for obj, if any.
func (ts *ThreadState) UnregisterPreFinalizer(obj Address) {
	delete(ts.preFinalizers, obj)
}

// invokePreFinalizers runs the pre-finalizers of objects the last
// collection did not mark.
func (ts *ThreadState) invokePreFinalizers() {
	if len(ts.preFinalizers) == 0 {
		return
	}
	ts.enterSweepForbidden()
	defer ts.leaveSweepForbidden()
	for obj, fn := range ts.preFinalizers {
		if headerFromPayload(obj).isMarked() {
			continue
		}
		delete(ts.preFinalizers, obj)
		fn(obj)
	}
}

// preGC runs on every thread while the world is stopped, before marking.
func (ts *ThreadState) preGC() {
	ts.setGCState(GCRunning)
	ts.makeConsistentForSweeping()
}

func (ts *ThreadState) makeConsistentForSweeping() {
	for _, h := range ts.heaps {
		h.makeConsistentForSweeping()
	}
}

// postGC moves every page to the unswept lists and schedules the sweep.
func (ts *ThreadState) postGC(gcType GCType) {
	for _, h := range ts.heaps {
		if !h.isConsistentForSweeping() {
			throw("heap: %s is not consistent for sweeping", h.index)
		}
		h.prepareForSweep()
	}
	if gcType == GCWithSweep {
		ts.setGCState(EagerSweepScheduled)
	} else {
		ts.setGCState(LazySweepScheduled)
	}
}

// preSweep starts the sweep a collection scheduled for this thread. It
// runs on the owner thread once it is no longer parked.
func (ts *ThreadState) preSweep() {
	if ts.gcState != EagerSweepScheduled && ts.gcState != LazySweepScheduled {
		return
	}
	ts.invokePreFinalizers()
	eager := ts.gcState == EagerSweepScheduled
	ts.setGCState(Sweeping)
	if eager {
		ts.completeSweep()
	}
}

// completeSweep sweeps whatever the lazy sweep has not reached yet.
func (ts *ThreadState) completeSweep() {
	if !ts.isSweepingInProgress() || ts.sweepForbidden() {
		return
	}
	ts.enterSweepForbidden()
	for _, h := range ts.heaps {
		h.completeSweep()
	}
	ts.leaveSweepForbidden()
	ts.postSweep()
}

func (ts *ThreadState) postSweep() {
	ts.setGCState(NoGCScheduled)
	if ts.rt.cfg.Verify {
		ts.verify()
	}
}

// verify walks every page of the thread, checking headers and the
// free-memory invariant.
func (ts *ThreadState) verify() {
	for _, h := range ts.heaps {
		// The bump region has no header of its own.
		h.setAllocationPoint(nil, 0, 0)
		for _, i := range h.sweptPages {
			h.pages[i].verify()
		}
		for _, lo := range h.largeObjects {
			lo.header().checkHeader()
		}
	}
}

// ObjectPayloadSizeForTesting finishes sweeping and returns the summed
// payload size of every object on the thread's heaps.
func (ts *ThreadState) ObjectPayloadSizeForTesting() uintptr {
	ts.checkAttached()
	ts.completeSweep()
	var n uintptr
	for _, h := range ts.heaps {
		h.setAllocationPoint(nil, 0, 0)
		n += h.objectPayloadSizeForTesting()
	}
	return n
}

func (ts *ThreadState) prepareHeapForTermination() {
	for _, h := range ts.heaps {
		h.prepareHeapForTermination()
	}
}

func (ts *ThreadState) cleanupPages() {
	for _, h := range ts.heaps {
		h.cleanupPages()
	}
}

// visitPersistents marks the thread's persistent handles and extra roots.
func (ts *ThreadState) visitPersistents(v *Visitor) {
	v.setRoot("persistent")
	ts.persistents.trace(v)
	for _, r := range ts.roots {
		v.setRoot(r.name)
		r.fn(v)
	}
}

// visitStack reports the thread's conservative roots if it parked with
// heap pointers on its stack.
func (ts *ThreadState) visitStack(v *Visitor) {
	if ts.stackState != HeapPointersOnStack || ts.stackScanner == nil {
		return
	}
	v.setRoot("stack")
	ts.stackScanner(func(a Address) { ts.rt.checkAndMarkPointer(v, a) })
}

// Detach runs thread-local collections until the thread's persistent
// handles stop changing, hands the remaining pages to the orphaned page
// pool and removes the thread from the runtime. The ThreadState must not be
// used afterwards.
func (ts *ThreadState) Detach() {
	ts.checkAttached()
	rt := ts.rt

	// Wait for the attach lock at a safepoint: a collector may hold it
	// and be waiting for this thread.
	ts.enterSafePoint(NoHeapPointersOnStack)
	rt.attachMu.Lock()
	ts.leaveSafePoint()
	defer rt.attachMu.Unlock()

	ts.preSweep()
	ts.completeSweep()
	ts.isTerminating = true
	ts.prepareHeapForTermination()

	oldCount := -1
	currentCount := ts.persistents.len()
	for currentCount != oldCount {
		rt.collectGarbageForTerminatingThread(ts)
		oldCount = currentCount
		currentCount = ts.persistents.len()
	}
	if currentCount != 0 {
		ts.log.Warn("detaching thread with live persistents", zap.Int("persistents", currentCount))
	}
	if len(ts.preFinalizers) != 0 {
		ts.log.Warn("detaching thread with pending pre-finalizers", zap.Int("preFinalizers", len(ts.preFinalizers)))
	}
	if ts.gcState != NoGCScheduled {
		throw("heap: thread %d detaching in state %s", ts.id, ts.gcState)
	}

	ts.cleanupPages()
	rt.removeThread(ts)
	ts.detached = true
	ts.log.Debug("detached")
}

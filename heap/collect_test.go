package heap_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pianoyeg94/go-threadheap/heap"
)

// fixture is a runtime with one attached thread and a few object classes.
// Nodes have two reference slots; blobs hold plain data.
type fixture struct {
	rt *heap.Runtime
	ts *heap.ThreadState

	node heap.GCInfoIndex
	blob heap.GCInfoIndex

	// finalized counts finalizations by address. Sweeping hands dead
	// slots to later allocations, so the count restarts for each new
	// object.
	finalized map[heap.Address]int
}

func traceNode(v *heap.Visitor, obj heap.Address) {
	v.Mark(*obj.Slot(0))
	v.Mark(*obj.Slot(8))
}

func newRuntime(t *testing.T, tweak func(*heap.Config)) *heap.Runtime {
	t.Helper()
	cfg := heap.DefaultConfig()
	cfg.AutomaticGC = false
	cfg.Verify = true
	if tweak != nil {
		tweak(&cfg)
	}
	rt, err := heap.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

func newFixture(t *testing.T, tweak func(*heap.Config)) *fixture {
	t.Helper()
	f := &fixture{rt: newRuntime(t, tweak), finalized: make(map[heap.Address]int)}
	record := func(obj heap.Address) { f.finalized[obj]++ }
	f.node = f.rt.RegisterGCInfo(heap.GCInfo{ClassName: "Node", Trace: traceNode, Finalize: record})
	f.blob = f.rt.RegisterGCInfo(heap.GCInfo{ClassName: "Blob", Finalize: record})
	ts, err := f.rt.Attach()
	if err != nil {
		t.Fatal(err)
	}
	f.ts = ts
	t.Cleanup(func() {
		f.ts.Detach()
		if err := f.rt.Shutdown(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return f
}

func (f *fixture) newNode(a, b heap.Address) heap.Address {
	p := f.ts.Allocate(16, f.node)
	delete(f.finalized, p)
	*p.Slot(0) = a
	*p.Slot(8) = b
	return p
}

func (f *fixture) newBlob(v heap.Address) heap.Address {
	p := f.ts.Allocate(16, f.blob)
	delete(f.finalized, p)
	*p.Slot(0) = v
	return p
}

func (f *fixture) gc(t *testing.T) {
	t.Helper()
	if !f.ts.CollectGarbage(heap.NoHeapPointersOnStack, heap.GCWithSweep) {
		t.Fatal("GC did not run")
	}
}

func (f *fixture) wantAlive(t *testing.T, objs ...heap.Address) {
	t.Helper()
	for _, p := range objs {
		if f.finalized[p] != 0 {
			t.Fatalf("object %#x was finalized %d times, want alive", p, f.finalized[p])
		}
	}
}

func (f *fixture) wantFinalized(t *testing.T, objs ...heap.Address) {
	t.Helper()
	for _, p := range objs {
		if f.finalized[p] != 1 {
			t.Fatalf("object %#x was finalized %d times, want once", p, f.finalized[p])
		}
	}
}

func TestReachableObjectsSurvive(t *testing.T) {
	f := newFixture(t, nil)
	b := f.newNode(0, 0)
	a := f.newNode(b, 0)
	c := f.newNode(0, 0)
	// An unreachable cycle.
	d := f.newNode(0, 0)
	e := f.newNode(d, 0)
	*d.Slot(0) = e

	root := f.ts.NewPersistent(a)
	f.gc(t)
	f.wantAlive(t, a, b)
	f.wantFinalized(t, c, d, e)
	if got := f.ts.GCState(); got != heap.NoGCScheduled {
		t.Fatalf("got state %s after GC with sweep, want NoGCScheduled", got)
	}
	if *a.Slot(0) != b {
		t.Fatal("survivor's reference was clobbered")
	}
	if heap.IsMarked(a) || heap.IsMarked(b) {
		t.Fatal("sweep left survivors marked")
	}

	root.Clear()
	f.gc(t)
	f.wantFinalized(t, a, b)
	root.Release()
}

func TestPersistentKinds(t *testing.T) {
	f := newFixture(t, nil)
	strong := f.newBlob(1)
	cross := f.newBlob(2)
	weakOnly := f.newBlob(3)
	weakAndStrong := f.newBlob(4)

	ps := f.ts.NewPersistent(strong)
	pc := f.rt.NewCrossThreadPersistent(cross)
	pw1 := f.ts.NewWeakPersistent(weakOnly)
	pw2 := f.ts.NewWeakPersistent(weakAndStrong)
	ps2 := f.ts.NewPersistent(weakAndStrong)

	f.gc(t)
	f.wantAlive(t, strong, cross, weakAndStrong)
	f.wantFinalized(t, weakOnly)
	if got := pw1.Get(); got != 0 {
		t.Fatalf("weak persistent to a dead object holds %#x", got)
	}
	if got := pw2.Get(); got != weakAndStrong {
		t.Fatalf("weak persistent to a live object holds %#x, want %#x", got, weakAndStrong)
	}

	pc.Release()
	if got := pc.Get(); got != 0 {
		t.Fatalf("released persistent returns %#x", got)
	}
	f.gc(t)
	f.wantFinalized(t, cross)

	for _, p := range []*heap.Persistent{ps, pw1, pw2, ps2} {
		p.Release()
	}
	f.gc(t)
	f.wantFinalized(t, strong, weakAndStrong)
}

func TestWeakCellsAreCleared(t *testing.T) {
	f := newFixture(t, nil)
	weakRef := f.rt.RegisterGCInfo(heap.GCInfo{
		ClassName: "WeakRef",
		Trace:     func(v *heap.Visitor, obj heap.Address) { v.RegisterWeakCell(obj.Slot(0)) },
	})
	dying := f.newBlob(1)
	kept := f.newBlob(2)
	h1 := f.ts.Allocate(8, weakRef)
	*h1.Slot(0) = dying
	h2 := f.ts.Allocate(8, weakRef)
	*h2.Slot(0) = kept

	roots := []*heap.Persistent{f.ts.NewPersistent(h1), f.ts.NewPersistent(h2), f.ts.NewPersistent(kept)}
	f.gc(t)
	f.wantFinalized(t, dying)
	if got := *h1.Slot(0); got != 0 {
		t.Fatalf("weak cell to a dead object holds %#x", got)
	}
	if got := *h2.Slot(0); got != kept {
		t.Fatalf("weak cell to a live object holds %#x, want %#x", got, kept)
	}
	for _, p := range roots {
		p.Release()
	}
}

func TestEphemeronFixedPoint(t *testing.T) {
	f := newFixture(t, nil)
	tables := make(map[heap.Address][]*heap.EphemeronTable)
	holder := f.rt.RegisterGCInfo(heap.GCInfo{
		ClassName: "Holder",
		Trace: func(v *heap.Visitor, obj heap.Address) {
			for _, tab := range tables[obj] {
				tab.Trace(v)
			}
		},
	})

	k1 := f.newBlob(1)
	k2 := f.newBlob(2) // reachable only as a value of t2
	v2 := f.newBlob(3)
	k3 := f.newBlob(4)
	v3 := f.newBlob(5)

	t1 := heap.NewEphemeronTable()
	t1.Set(k2, v2)
	t1.Set(k3, v3)
	t2 := heap.NewEphemeronTable()
	t2.Set(k1, k2)

	h := f.ts.Allocate(8, holder)
	// t1 is registered last, so it is iterated before t2 has marked k2.
	tables[h] = []*heap.EphemeronTable{t2, t1}
	roots := []*heap.Persistent{f.ts.NewPersistent(h), f.ts.NewPersistent(k1)}

	f.gc(t)
	f.wantAlive(t, k1, k2, v2)
	f.wantFinalized(t, k3, v3)
	if got := t1.Len(); got != 1 {
		t.Fatalf("t1 has %d entries, want 1", got)
	}
	if got, ok := t1.Get(k2); !ok || got != v2 {
		t.Fatalf("t1[k2] = %#x, %v; want %#x", got, ok, v2)
	}
	if _, ok := t1.Get(k3); ok {
		t.Fatal("entry with a dead key survived")
	}
	if t1.Iterations() != 1 || t2.Iterations() != 1 {
		t.Fatalf("got iterations %d and %d, want 1 each", t1.Iterations(), t2.Iterations())
	}

	// Without k1, the whole chain goes.
	roots[1].Release()
	f.gc(t)
	f.wantFinalized(t, k1, k2, v2)
	if t1.Len() != 0 || t2.Len() != 0 {
		t.Fatalf("tables hold %d and %d entries, want none", t1.Len(), t2.Len())
	}
	roots[0].Release()
}

func TestEphemeronTableRejectsNilKey(t *testing.T) {
	defer func() {
		if r := recover(); !heap.IsAssertionFailure(r) {
			t.Fatalf("got panic %v, want an assertion failure", r)
		}
	}()
	heap.NewEphemeronTable().Set(0, 1)
}

func TestConservativeStackScanning(t *testing.T) {
	f := newFixture(t, nil)
	child := f.newBlob(7)
	x := f.newNode(child, 0)
	z := f.newNode(0, 0)
	big := f.ts.Allocate(100000, f.blob)

	var words []heap.Address
	f.ts.SetStackScanner(func(mark func(heap.Address)) {
		for _, w := range words {
			mark(w)
		}
	})
	words = []heap.Address{
		x + 8,      // interior pointer
		big + 5000, // interior pointer into a large object
		0x1000,     // not a heap address
		0x1000,     // cached the second time
		0,
	}

	if !f.ts.CollectGarbage(heap.HeapPointersOnStack, heap.GCWithSweep) {
		t.Fatal("GC did not run")
	}
	f.wantAlive(t, x, child, big)
	f.wantFinalized(t, z)

	// The scanner is only consulted for threads with heap pointers on
	// their stack.
	f.gc(t)
	f.wantFinalized(t, x, child, big)
}

func TestConservativeScanSkipsUnconstructedObjects(t *testing.T) {
	f := newFixture(t, nil)
	widget := f.rt.RegisterGCInfo(heap.GCInfo{
		ClassName: "Widget",
		HasVTable: true,
		Trace:     func(v *heap.Visitor, obj heap.Address) { v.Mark(*obj.Slot(8)) },
	})
	w := f.ts.Allocate(16, widget)
	first := f.newBlob(1)
	*w.Slot(8) = first
	f.ts.SetStackScanner(func(mark func(heap.Address)) { mark(w) })

	if !f.ts.CollectGarbage(heap.HeapPointersOnStack, heap.GCWithSweep) {
		t.Fatal("GC did not run")
	}
	// w has no vtable word yet: it is kept but not traced.
	f.wantFinalized(t, first)

	second := f.newBlob(2)
	*w.Slot(8) = second
	*w.Slot(0) = 1
	if !f.ts.CollectGarbage(heap.HeapPointersOnStack, heap.GCWithSweep) {
		t.Fatal("GC did not run")
	}
	f.wantAlive(t, second)
	f.ts.SetStackScanner(nil)
}

func TestPreFinalizers(t *testing.T) {
	f := newFixture(t, nil)
	var events []string
	kept := f.newBlob(42)
	dropped := f.newBlob(43)
	root := f.ts.NewPersistent(kept)

	for _, obj := range []heap.Address{kept, dropped} {
		f.ts.RegisterPreFinalizer(obj, func(obj heap.Address) {
			if f.finalized[obj] != 0 {
				t.Errorf("pre-finalizer of %#x ran after its finalizer", obj)
			}
			if v := *obj.Slot(0); v != 42 && v != 43 {
				t.Errorf("pre-finalizer saw payload %d", v)
			}
			events = append(events, "pre")
		})
	}
	f.gc(t)
	f.wantAlive(t, kept)
	f.wantFinalized(t, dropped)
	if len(events) != 1 {
		t.Fatalf("got %d pre-finalizer calls, want 1", len(events))
	}

	root.Release()
	f.gc(t)
	f.wantFinalized(t, kept)
	if len(events) != 2 {
		t.Fatalf("got %d pre-finalizer calls, want 2", len(events))
	}

	// Unregistered pre-finalizers do not run.
	other := f.newBlob(44)
	f.ts.RegisterPreFinalizer(other, func(heap.Address) { t.Error("unregistered pre-finalizer ran") })
	f.ts.UnregisterPreFinalizer(other)
	f.gc(t)
	f.wantFinalized(t, other)
}

func TestGCTraceReportsMarkedBytes(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newFixture(t, func(c *heap.Config) {
		c.Logger = zap.New(core)
		c.GCTrace = true
	})
	root := f.ts.NewPersistent(f.newNode(f.newBlob(1), 0))
	defer root.Release()
	f.newBlob(2)

	for gc := 1; gc <= 2; gc++ {
		f.gc(t)
		var entries []observer.LoggedEntry
		for _, e := range logs.TakeAll() {
			if e.Message == "gc" {
				entries = append(entries, e)
			}
		}
		if len(entries) != 1 {
			t.Fatalf("GC %d: got %d trace lines, want 1", gc, len(entries))
		}
		fields := entries[0].ContextMap()
		if got := fields["markedObjects"]; got != int64(2) {
			t.Fatalf("GC %d: got markedObjects %v, want 2", gc, got)
		}
		if got := fields["markedBytes"]; got != uintptr(2*24) {
			t.Fatalf("GC %d: got markedBytes %v, want %d", gc, got, 2*24)
		}
	}
}

func TestRootsCallback(t *testing.T) {
	f := newFixture(t, nil)
	a := f.newBlob(1)
	remove := f.ts.AddRoots("test roots", func(v *heap.Visitor) { v.Mark(a) })
	f.gc(t)
	f.wantAlive(t, a)
	remove()
	f.gc(t)
	f.wantFinalized(t, a)
}

func TestCollectAllGarbage(t *testing.T) {
	f := newFixture(t, nil)
	b := f.newBlob(2)
	pb := f.ts.NewPersistent(b)
	releaser := f.rt.RegisterGCInfo(heap.GCInfo{
		ClassName: "Releaser",
		Finalize:  func(heap.Address) { pb.Release() },
	})
	a := f.ts.Allocate(8, releaser)
	_ = a

	f.rt.CollectAllGarbage(f.ts)
	f.wantFinalized(t, b)
	if got := f.rt.Stats().GCCount; got < 2 || got > 5 {
		t.Fatalf("got %d GCs, want between 2 and 5", got)
	}
}

func TestAbortedGCIsRescheduled(t *testing.T) {
	f := newFixture(t, nil)
	garbage := f.newBlob(1)

	unlock := f.rt.LockAttachForTesting()
	if f.ts.CollectGarbage(heap.NoHeapPointersOnStack, heap.GCWithSweep) {
		unlock()
		t.Fatal("GC ran without the attach lock")
	}
	unlock()
	if got := f.ts.GCState(); got != heap.GCScheduled {
		t.Fatalf("got state %s after an aborted GC, want GCScheduled", got)
	}
	if got := f.rt.Stats().GCCount; got != 0 {
		t.Fatalf("got %d GCs, want 0", got)
	}

	// A safepoint that may hold heap pointers must not run it.
	f.ts.SafePoint(heap.HeapPointersOnStack)
	if got := f.ts.GCState(); got != heap.GCScheduled {
		t.Fatalf("got state %s, want GCScheduled", got)
	}

	f.ts.SafePoint(heap.NoHeapPointersOnStack)
	if got := f.rt.Stats().GCCount; got != 1 {
		t.Fatalf("got %d GCs after the safepoint, want 1", got)
	}
	// The scheduled GC sweeps lazily.
	if got := f.ts.GCState(); got != heap.Sweeping {
		t.Fatalf("got state %s, want Sweeping", got)
	}
	f.ts.ObjectPayloadSizeForTesting()
	f.wantFinalized(t, garbage)
}

func TestScheduleGCForTesting(t *testing.T) {
	f := newFixture(t, nil)
	garbage := f.newBlob(1)
	f.ts.ScheduleGCForTesting()
	if got := f.ts.GCState(); got != heap.GCScheduledForTesting {
		t.Fatalf("got state %s, want GCScheduledForTesting", got)
	}
	f.ts.SafePoint(heap.NoHeapPointersOnStack)
	if got := f.ts.GCState(); got != heap.NoGCScheduled {
		t.Fatalf("got state %s, want NoGCScheduled", got)
	}
	f.wantFinalized(t, garbage)
}

func TestNestedGCIsAnAssertion(t *testing.T) {
	f := newFixture(t, nil)
	f.ts.EnterGCForbiddenScope()
	defer f.ts.LeaveGCForbiddenScope()
	defer func() {
		if r := recover(); !heap.IsAssertionFailure(r) {
			t.Fatalf("got panic %v, want an assertion failure", r)
		}
	}()
	f.ts.CollectGarbage(heap.NoHeapPointersOnStack, heap.GCWithSweep)
}

func TestThreadTerminationGCIsNotPublic(t *testing.T) {
	f := newFixture(t, nil)
	defer func() {
		if r := recover(); !heap.IsAssertionFailure(r) {
			t.Fatalf("got panic %v, want an assertion failure", r)
		}
	}()
	f.ts.CollectGarbage(heap.NoHeapPointersOnStack, heap.ThreadTerminationGC)
}

func TestAutomaticPreciseGC(t *testing.T) {
	f := newFixture(t, func(c *heap.Config) {
		c.AutomaticGC = true
		c.PreciseGCThreshold = 64 << 10
		c.ConservativeGCThreshold = 1 << 40
	})
	for i := 0; i < 20000 && f.ts.GCState() == heap.NoGCScheduled; i++ {
		f.newBlob(heap.Address(i))
	}
	if got := f.ts.GCState(); got != heap.GCScheduled {
		t.Fatalf("got state %s after allocating past the threshold, want GCScheduled", got)
	}
	f.ts.SafePoint(heap.NoHeapPointersOnStack)
	if got := f.rt.Stats().GCCount; got != 1 {
		t.Fatalf("got %d GCs, want 1", got)
	}
}

func TestForcedConservativeGC(t *testing.T) {
	f := newFixture(t, func(c *heap.Config) {
		c.AutomaticGC = true
		c.PreciseGCThreshold = 1 << 40
		c.ConservativeGCThreshold = 256 << 10
	})
	var kept []heap.Address
	f.ts.SetStackScanner(func(mark func(heap.Address)) {
		for _, p := range kept {
			mark(p)
		}
	})
	for i := 0; i < 50000; i++ {
		p := f.newBlob(heap.Address(i))
		if i%1000 == 0 {
			kept = append(kept, p)
		}
	}
	if got := f.rt.Stats().GCCount; got == 0 {
		t.Fatal("no GC was forced")
	}
	f.wantAlive(t, kept...)
	for i, p := range kept {
		if got := *p.Slot(0); got != heap.Address(i*1000) {
			t.Fatalf("kept object %d holds %d", i, got)
		}
	}
	f.ts.SetStackScanner(nil)
}

func TestDetachOrphansSurvivingPages(t *testing.T) {
	f := newFixture(t, nil)

	other, err := f.rt.Attach()
	if err != nil {
		t.Fatal(err)
	}
	if got := f.rt.Stats().Threads; got != 2 {
		t.Fatalf("got %d threads, want 2", got)
	}
	leaked := other.Allocate(16, f.blob)
	other.NewPersistent(leaked)
	dead := other.Allocate(16, f.blob)
	other.Detach()
	// Termination GCs reclaim what the leaked handle does not reach.
	f.wantFinalized(t, dead)
	f.wantAlive(t, leaked)

	st := f.rt.Stats()
	if st.Threads != 1 {
		t.Fatalf("got %d threads after detach, want 1", st.Threads)
	}
	if st.OrphanedPages == 0 {
		t.Fatal("surviving page was not orphaned")
	}

	f.gc(t)
	after := f.rt.Stats()
	if after.OrphanedPages != 0 {
		t.Fatalf("got %d orphaned pages after a global GC, want 0", after.OrphanedPages)
	}
	if after.FreePages < st.OrphanedPages {
		t.Fatalf("got %d free pages, want at least the %d decommitted orphans", after.FreePages, st.OrphanedPages)
	}
}

func TestDetachedThreadIsUnusable(t *testing.T) {
	f := newFixture(t, nil)
	other, err := f.rt.Attach()
	if err != nil {
		t.Fatal(err)
	}
	other.Detach()
	defer func() {
		if r := recover(); !heap.IsAssertionFailure(r) {
			t.Fatalf("got panic %v, want an assertion failure", r)
		}
	}()
	other.Allocate(16, f.blob)
}

func TestShutdownWithAttachedThreads(t *testing.T) {
	rt := newRuntime(t, nil)
	ts, err := rt.Attach()
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Shutdown(); err == nil {
		t.Fatal("Shutdown succeeded with a thread attached")
	}
	ts.Detach()
	if err := rt.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Attach(); err != heap.ErrRuntimeShutdown {
		t.Fatalf("got %v attaching after shutdown, want ErrRuntimeShutdown", err)
	}
}

func TestCollectWhileOtherThreadsAllocate(t *testing.T) {
	rt := newRuntime(t, func(c *heap.Config) { c.GCTrace = true })
	var finalized atomic.Int64
	node := rt.RegisterGCInfo(heap.GCInfo{
		ClassName: "Node",
		Trace:     traceNode,
		Finalize:  func(heap.Address) { finalized.Add(1) },
	})
	blob := rt.RegisterGCInfo(heap.GCInfo{ClassName: "Blob"})

	driver, err := rt.Attach()
	if err != nil {
		t.Fatal(err)
	}

	const workers = 4
	const chainLength = 100
	var ready, done sync.WaitGroup
	var stop atomic.Bool
	ready.Add(workers)
	done.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer done.Done()
			ts, err := rt.Attach()
			if err != nil {
				t.Error(err)
				ready.Done()
				return
			}
			var head heap.Address
			for i := chainLength - 1; i >= 0; i-- {
				tag := ts.Allocate(8, blob)
				*tag.Slot(0) = heap.Address(w*chainLength + i)
				n := ts.Allocate(16, node)
				*n.Slot(0) = head
				*n.Slot(8) = tag
				head = n
			}
			root := ts.NewPersistent(head)
			ready.Done()

			for !stop.Load() {
				ts.Allocate(16, node)
				ts.SafePoint(heap.NoHeapPointersOnStack)
			}

			i := 0
			for n := root.Get(); n != 0; n = *n.Slot(0) {
				if got, want := *(*n.Slot(8)).Slot(0), heap.Address(w*chainLength+i); got != want {
					t.Errorf("worker %d: node %d tagged %d, want %d", w, i, got, want)
					break
				}
				i++
			}
			if i != chainLength {
				t.Errorf("worker %d: chain has %d nodes, want %d", w, i, chainLength)
			}
			root.Release()
			ts.Detach()
		}(w)
	}
	driver.SafePointScope(heap.NoHeapPointersOnStack, ready.Wait)

	const gcs = 5
	for i := 0; i < gcs; i++ {
		if !driver.CollectGarbage(heap.NoHeapPointersOnStack, heap.GCWithSweep) {
			t.Fatalf("GC %d could not stop the world", i)
		}
		if got := rt.Phase(); got != heap.PhaseIdle {
			t.Fatalf("got phase %s between GCs, want Idle", got)
		}
	}
	stop.Store(true)
	driver.SafePointScope(heap.NoHeapPointersOnStack, done.Wait)

	st := rt.Stats()
	if st.GCCount != gcs {
		t.Fatalf("got %d GCs, want %d", st.GCCount, gcs)
	}
	if st.Threads != 1 {
		t.Fatalf("got %d threads, want 1", st.Threads)
	}
	if finalized.Load() == 0 {
		t.Fatal("no garbage was finalized")
	}
	if s := rt.PauseSummary(); s.Count != gcs || s.Max < s.Min {
		t.Fatalf("got pause summary %+v", s)
	}
	driver.Detach()
	if err := rt.Shutdown(); err != nil {
		t.Fatal(err)
	}
}

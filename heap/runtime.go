package heap

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Phase is the runtime-wide collection phase.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseStoppingOtherThreads
	PhaseMarking
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseStoppingOtherThreads:
		return "StoppingOtherThreads"
	case PhaseMarking:
		return "Marking"
	case PhaseSweeping:
		return "Sweeping"
	}
	return "Phase(?)"
}

// Runtime owns everything shared by the attached threads: the page pools,
// the region index, the marking stacks, the safepoint barrier and the
// thread set.
type Runtime struct {
	cfg   Config
	log   *zap.Logger
	gcLog *zap.Logger

	gcInfos          gcInfoTable
	regions          *regionIndex
	freePagePool     *FreePagePool
	orphanedPagePool *OrphanedPagePool
	doesNotContain   heapDoesNotContainCache
	stats            heapStats
	pauses           *pauseRecorder

	barrier *safePointBarrier
	// attachMu is held by a global GC for its whole pause and by threads
	// attaching or detaching. A GC that cannot take it is rescheduled.
	attachMu     sync.Mutex
	threads      []*ThreadState
	threadCount  atomic.Int32
	nextThreadID int

	crossThreadPersistents *persistentRegion

	markingStack      callbackStack[traceItem]
	weakCallbackStack callbackStack[weakItem]
	ephemeronStack    callbackStack[ephemeronItem]
	postMarkingStack  callbackStack[postMarkingItem]

	// markingProfile is nil unless Config.ProfileMarking is set.
	markingProfile        *markingProfiler
	lastGCWasConservative bool

	gcCount  atomic.Int64
	phase    atomic.Int32
	shutdown atomic.Bool

	profMu             sync.Mutex
	lastSnapshot       *HeapSnapshot
	lastMarkingProfile *MarkingProfile
}

// New creates a runtime. Threads must Attach before allocating.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger.Named("threadheap")
	rt := &Runtime{
		cfg:                    cfg,
		log:                    log,
		gcLog:                  log.Named("gc"),
		regions:                newRegionIndex(log.Named("pages")),
		freePagePool:           newFreePagePool(log.Named("pages")),
		orphanedPagePool:       newOrphanedPagePool(log.Named("pages")),
		pauses:                 newPauseRecorder(cfg.PauseHistory),
		barrier:                newSafePointBarrier(),
		crossThreadPersistents: newPersistentRegion(true),
	}
	if cfg.ProfileMarking {
		rt.markingProfile = newMarkingProfiler(rt)
	}
	log.Debug("runtime created",
		zap.Bool("autogc", cfg.AutomaticGC),
		zap.Int64("precisegc", cfg.PreciseGCThreshold),
		zap.Int64("conservativegc", cfg.ConservativeGCThreshold))
	return rt, nil
}

// Config returns the configuration the runtime was created with.
func (rt *Runtime) Config() Config { return rt.cfg }

// RegisterGCInfo registers a class of objects and returns the index to
// allocate it with.
func (rt *Runtime) RegisterGCInfo(info GCInfo) GCInfoIndex {
	return rt.gcInfos.register(info)
}

// Attach registers the calling goroutine as a mutator thread. It blocks
// while a global GC is running.
func (rt *Runtime) Attach() (*ThreadState, error) {
	if rt.shutdown.Load() {
		return nil, ErrRuntimeShutdown
	}
	rt.attachMu.Lock()
	defer rt.attachMu.Unlock()
	if rt.shutdown.Load() {
		return nil, ErrRuntimeShutdown
	}
	rt.nextThreadID++
	ts := newThreadState(rt, rt.nextThreadID)
	rt.threads = append(rt.threads, ts)
	rt.threadCount.Store(int32(len(rt.threads)))
	ts.log.Debug("attached", zap.Int("threads", len(rt.threads)))
	return ts, nil
}

// removeThread drops ts from the thread set. The caller holds attachMu.
func (rt *Runtime) removeThread(ts *ThreadState) {
	for i, t := range rt.threads {
		if t == ts {
			rt.threads = append(rt.threads[:i], rt.threads[i+1:]...)
			rt.threadCount.Store(int32(len(rt.threads)))
			return
		}
	}
	throw("heap: removing thread %d that is not attached", ts.id)
}

// Shutdown releases all memory held by the runtime. Every thread must have
// detached.
func (rt *Runtime) Shutdown() error {
	rt.attachMu.Lock()
	defer rt.attachMu.Unlock()
	if rt.shutdown.Load() {
		return ErrRuntimeShutdown
	}
	if n := len(rt.threads); n > 0 {
		return errors.Wrapf(ErrThreadsAttached, "%d threads", n)
	}
	rt.shutdown.Store(true)
	rt.orphanedPagePool.releaseAll()
	rt.freePagePool.releaseAll()
	if n := rt.regions.len(); n != 0 {
		rt.log.Warn("regions still mapped at shutdown", zap.Int("regions", n))
	}
	rt.log.Debug("runtime shut down", zap.Int64("gcs", rt.gcCount.Load()))
	return nil
}

// Phase returns the current collection phase.
func (rt *Runtime) Phase() Phase { return Phase(rt.phase.Load()) }

func (rt *Runtime) setPhase(p Phase) { rt.phase.Store(int32(p)) }

// Stats returns a copy of the runtime's counters.
func (rt *Runtime) Stats() Stats {
	return Stats{
		AllocatedObjectSize: rt.stats.allocatedObjectSize.Load(),
		MarkedObjectSize:    rt.stats.markedObjectSize.Load(),
		AllocatedSpace:      rt.stats.allocatedSpace.Load(),
		GCCount:             rt.gcCount.Load(),
		Threads:             int(rt.threadCount.Load()),
		Regions:             rt.regions.len(),
		FreePages:           rt.freePagePool.len(),
		OrphanedPages:       rt.orphanedPagePool.len(),
		LastPause:           rt.pauses.last(),
	}
}

// PauseSummary summarizes the most recent GC pauses.
func (rt *Runtime) PauseSummary() PauseSummary { return summarizePauses(rt.pauses) }

// LastHeapSnapshot returns the snapshot taken by the last global GC, if
// Config.ProfileHeap is set.
func (rt *Runtime) LastHeapSnapshot() *HeapSnapshot {
	rt.profMu.Lock()
	defer rt.profMu.Unlock()
	return rt.lastSnapshot
}

// LastMarkingProfile returns the object graph traced by the last global
// GC, if Config.ProfileMarking is set.
func (rt *Runtime) LastMarkingProfile() *MarkingProfile {
	rt.profMu.Lock()
	defer rt.profMu.Unlock()
	return rt.lastMarkingProfile
}

// lookupPage returns the live page whose blink page contains a, or nil.
func (rt *Runtime) lookupPage(a Address) basePage {
	region := rt.regions.lookup(a)
	if region == nil {
		return nil
	}
	return region.pageFromAddress(a)
}

// checkAndMarkPointer treats a as a possible pointer into the heap and
// marks the object it points into.
func (rt *Runtime) checkAndMarkPointer(v *Visitor, a Address) {
	if rt.doesNotContain.lookup(a) {
		return
	}
	if page := rt.lookupPage(a); page != nil {
		page.checkAndMarkPointer(v, a)
		rt.lastGCWasConservative = true
		return
	}
	rt.doesNotContain.addEntry(a)
}

// IsMarked reports whether the object at p is marked. Between a GC's
// marking and the sweep of p's page this means p survived.
func IsMarked(p Address) bool {
	return p != 0 && headerFromPayload(p).isMarked()
}

// IsDead reports whether the object at p was found dead by a GC that
// started before its page was swept.
func IsDead(p Address) bool {
	return p != 0 && headerFromPayload(p).isDead()
}

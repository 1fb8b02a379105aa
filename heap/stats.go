package heap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aclements/go-moremath/stats"
)

// heapStats holds the process-wide counters the GC heuristics run on. They
// are updated by every thread, so they are atomics. allocatedObjectSize
// can go negative when objects allocated before a GC are promptly freed
// after it.
type heapStats struct {
	allocatedObjectSize atomic.Int64
	markedObjectSize    atomic.Int64
	allocatedSpace      atomic.Int64
}

func (s *heapStats) increaseAllocatedObjectSize(n uintptr) {
	s.allocatedObjectSize.Add(int64(n))
}

func (s *heapStats) decreaseAllocatedObjectSize(n uintptr) {
	s.allocatedObjectSize.Add(-int64(n))
}

func (s *heapStats) increaseMarkedObjectSize(n uintptr) {
	s.markedObjectSize.Add(int64(n))
}

func (s *heapStats) increaseAllocatedSpace(n uintptr) {
	s.allocatedSpace.Add(int64(n))
}

func (s *heapStats) decreaseAllocatedSpace(n uintptr) {
	s.allocatedSpace.Add(-int64(n))
}

// resetForGC clears the per-cycle counters at the start of a global GC.
func (s *heapStats) resetForGC() {
	s.allocatedObjectSize.Store(0)
	s.markedObjectSize.Store(0)
}

// Stats is a point-in-time copy of the runtime's counters.
type Stats struct {
	// AllocatedObjectSize is the number of bytes allocated since the last
	// global GC started.
	AllocatedObjectSize int64
	// MarkedObjectSize is the number of bytes found alive by the last GC
	// and swept so far.
	MarkedObjectSize int64
	// AllocatedSpace is the number of bytes of pages owned by threads.
	AllocatedSpace int64

	GCCount   int64
	Threads   int
	Regions   int
	FreePages int
	// OrphanedPages are pages of detached threads waiting for the next
	// global GC.
	OrphanedPages int
	LastPause     time.Duration
}

// pauseRecorder keeps the most recent GC pauses in a ring.
type pauseRecorder struct {
	mu    sync.Mutex
	ring  []time.Duration
	next  int
	full  bool
	total time.Duration
}

func newPauseRecorder(n int) *pauseRecorder {
	return &pauseRecorder{ring: make([]time.Duration, n)}
}

func (r *pauseRecorder) record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = d
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	r.total += d
}

func (r *pauseRecorder) last() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next == 0 {
		if !r.full {
			return 0
		}
		return r.ring[len(r.ring)-1]
	}
	return r.ring[r.next-1]
}

func (r *pauseRecorder) samples() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.ring)
	}
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(r.ring[i])
	}
	return xs
}

// PauseSummary describes the recent GC pauses.
type PauseSummary struct {
	Count  int
	Total  time.Duration
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	StdDev time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
}

func summarizePauses(r *pauseRecorder) PauseSummary {
	xs := r.samples()
	r.mu.Lock()
	total := r.total
	r.mu.Unlock()
	if len(xs) == 0 {
		return PauseSummary{Total: total}
	}
	s := stats.Sample{Xs: xs}
	s.Sort()
	lo, hi := s.Bounds()
	sum := PauseSummary{
		Count: len(xs),
		Total: total,
		Min:   time.Duration(lo),
		Max:   time.Duration(hi),
		Mean:  time.Duration(s.Mean()),
		P50:   time.Duration(s.Quantile(0.5)),
		P95:   time.Duration(s.Quantile(0.95)),
		P99:   time.Duration(s.Quantile(0.99)),
	}
	if len(xs) > 1 {
		sum.StdDev = time.Duration(s.StdDev())
	}
	return sum
}

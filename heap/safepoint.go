package heap

import (
	"sync"
	"sync/atomic"
)

// safePointBarrier is the rendezvous used to stop the world.
//
// unparked counts attached threads that are not at a safepoint, relative to
// a baseline: with no GC in progress it is minus the number of threads at
// safepoints. A collector adds the number of attached threads, which makes
// it the number of threads still running, and waits for it to reach zero.
// The last thread to park signals the collector.
//
//	idle --parkOthers--> requesting --count hits 0--> parked --resumeOthers--> resuming --> idle
type safePointBarrier struct {
	unparked  atomic.Int64
	canResume atomic.Bool

	mu     sync.Mutex
	parked *sync.Cond
	resume *sync.Cond
}

func newSafePointBarrier() *safePointBarrier {
	b := &safePointBarrier{}
	b.canResume.Store(true)
	b.parked = sync.NewCond(&b.mu)
	b.resume = sync.NewCond(&b.mu)
	return b
}

// parkOthers blocks until every one of the n attached threads is at a
// safepoint. The caller must already be at one.
func (b *safePointBarrier) parkOthers(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unparked.Add(int64(n))
	b.canResume.Store(false)
	for b.unparked.Load() > 0 {
		b.parked.Wait()
	}
}

// resumeOthers releases the threads parked by parkOthers(n).
func (b *safePointBarrier) resumeOthers(n int) {
	b.unparked.Add(-int64(n))
	b.canResume.Store(true)
	b.mu.Lock()
	b.resume.Broadcast()
	b.mu.Unlock()
}

// checkAndPark parks the calling thread if a collector is waiting for it.
func (b *safePointBarrier) checkAndPark() {
	if !b.canResume.Load() {
		b.doPark()
	}
}

func (b *safePointBarrier) doPark() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unparked.Add(-1) == 0 {
		b.parked.Signal()
	}
	for !b.canResume.Load() {
		b.resume.Wait()
	}
	b.unparked.Add(1)
}

// enterSafePoint marks the calling thread as parked for as long as it stays
// in the safepoint. It does not block.
func (b *safePointBarrier) enterSafePoint() {
	if b.unparked.Add(-1) == 0 {
		b.mu.Lock()
		b.parked.Signal()
		b.mu.Unlock()
	}
}

// leaveSafePoint blocks while a collection that counted on this thread
// being parked is running.
func (b *safePointBarrier) leaveSafePoint() {
	if b.unparked.Add(1) > 0 {
		b.checkAndPark()
	}
}

// requesting reports whether a collector is waiting for threads to park
// or has them parked.
func (b *safePointBarrier) requesting() bool {
	return !b.canResume.Load()
}

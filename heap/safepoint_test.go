package heap

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafePointBarrierParksRunningThreads(t *testing.T) {
	b := newSafePointBarrier()
	var work atomic.Int64
	var stop atomic.Bool
	var wg sync.WaitGroup
	const workers = 3

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				b.checkAndPark()
				work.Add(1)
			}
		}()
	}

	for round := 0; round < 10; round++ {
		b.enterSafePoint()
		b.parkOthers(workers + 1)
		if !b.requesting() {
			t.Fatal("barrier not requesting while threads are parked")
		}
		before := work.Load()
		time.Sleep(time.Millisecond)
		if after := work.Load(); after != before {
			t.Fatalf("round %d: work went from %d to %d while parked", round, before, after)
		}
		b.resumeOthers(workers + 1)
		b.leaveSafePoint()
	}
	stop.Store(true)
	wg.Wait()
	if got := b.unparked.Load(); got != 0 {
		t.Fatalf("got unparked %d, want 0", got)
	}
}

func TestSafePointBarrierSkipsThreadsInSafePoint(t *testing.T) {
	b := newSafePointBarrier()
	b.enterSafePoint() // a thread blocked outside the heap

	done := make(chan struct{})
	go func() {
		b.enterSafePoint()
		b.parkOthers(2)
		b.resumeOthers(2)
		b.leaveSafePoint()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("collector waited for a thread at a safepoint")
	}
	b.leaveSafePoint()
	if got := b.unparked.Load(); got != 0 {
		t.Fatalf("got unparked %d, want 0", got)
	}
}

func TestSafePointBarrierLeaveBlocksDuringCollection(t *testing.T) {
	b := newSafePointBarrier()
	b.enterSafePoint()

	parked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		b.enterSafePoint()
		b.parkOthers(2)
		close(parked)
		<-release
		b.resumeOthers(2)
		b.leaveSafePoint()
	}()
	<-parked

	left := make(chan struct{})
	go func() {
		b.leaveSafePoint()
		close(left)
	}()
	select {
	case <-left:
		t.Fatal("left the safepoint while the collector had the world stopped")
	case <-time.After(10 * time.Millisecond):
	}
	close(release)
	<-left
}

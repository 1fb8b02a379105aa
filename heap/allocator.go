package heap

// Collection backings live on heaps of their own so that a container can
// give its storage back, or resize it in place, without waiting for a GC.

// backingShrinkSlack is the least number of bytes a shrink must release
// to be worth a promptly freed run.
const backingShrinkSlack = headerSize + 32*8

func (ts *ThreadState) AllocateVectorBacking(size uintptr, gcInfoIndex GCInfoIndex) Address {
	return ts.AllocateOn(VectorHeapIndex, size, gcInfoIndex)
}

func (ts *ThreadState) AllocateInlineVectorBacking(size uintptr, gcInfoIndex GCInfoIndex) Address {
	return ts.AllocateOn(InlineVectorHeapIndex, size, gcInfoIndex)
}

func (ts *ThreadState) AllocateHashTableBacking(size uintptr, gcInfoIndex GCInfoIndex) Address {
	return ts.AllocateOn(HashTableHeapIndex, size, gcInfoIndex)
}

// backingPage returns the normal page of this thread holding the backing
// at p, or nil if the backing cannot be freed or resized in place: it is a
// large object or belongs to another thread.
func (ts *ThreadState) backingPage(p Address) *HeapPage {
	page, ok := ts.rt.lookupPage(p).(*HeapPage)
	if !ok || page.threadState() != ts {
		return nil
	}
	return page
}

// BackingFree releases the backing at p right away. It is a no-op for
// backings it cannot reclaim in place and while the thread is sweeping.
func (ts *ThreadState) BackingFree(p Address) {
	if p == 0 || ts.sweepForbidden() {
		return
	}
	ts.checkAttached()
	if ts.isInGC() {
		throw("heap: backing free during GC")
	}
	page := ts.backingPage(p)
	if page == nil {
		return
	}
	header := headerFromPayload(p)
	header.checkHeader()
	page.heap.promptlyFreeObject(header)
}

// BackingExpand grows the backing at p to newSize bytes in place and
// reports whether it could.
func (ts *ThreadState) BackingExpand(p Address, newSize uintptr) bool {
	if p == 0 || ts.sweepForbidden() {
		return false
	}
	ts.checkAttached()
	if ts.isInGC() || !ts.isAllocationAllowed() {
		throw("heap: backing expand outside of mutator code")
	}
	page := ts.backingPage(p)
	if page == nil {
		return false
	}
	header := headerFromPayload(p)
	header.checkHeader()
	return page.heap.expandObject(header, newSize)
}

// BackingShrink shrinks the backing at p from currentSize to shrunkSize
// bytes if that frees enough memory to be worth it.
func (ts *ThreadState) BackingShrink(p Address, currentSize, shrunkSize uintptr) {
	if currentSize <= shrunkSize+backingShrinkSlack {
		return
	}
	if p == 0 || ts.sweepForbidden() {
		return
	}
	ts.checkAttached()
	if ts.isInGC() || !ts.isAllocationAllowed() {
		throw("heap: backing shrink outside of mutator code")
	}
	page := ts.backingPage(p)
	if page == nil {
		return
	}
	header := headerFromPayload(p)
	header.checkHeader()
	page.heap.shrinkObject(header, shrunkSize)
}

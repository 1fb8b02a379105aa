package heap

import (
	"go.uber.org/zap"
)

// HeapIndex selects one of a thread's heaps. Objects of similar sizes share
// a heap; collection backings get heaps of their own so they can be freed
// and resized in place.
type HeapIndex int

const (
	NormalPage1HeapIndex HeapIndex = iota
	NormalPage2HeapIndex
	NormalPage3HeapIndex
	NormalPage4HeapIndex
	VectorHeapIndex
	InlineVectorHeapIndex
	HashTableHeapIndex

	NumberOfHeaps = iota
)

var heapIndexNames = [NumberOfHeaps]string{
	"NormalPage1", "NormalPage2", "NormalPage3", "NormalPage4",
	"Vector", "InlineVector", "HashTable",
}

func (i HeapIndex) String() string {
	if i < 0 || int(i) >= NumberOfHeaps {
		return "HeapIndex(?)"
	}
	return heapIndexNames[i]
}

// heapIndexForObjectSize picks the normal heap for an object payload size.
func heapIndexForObjectSize(size uintptr) HeapIndex {
	if size < 64 {
		if size < 32 {
			return NormalPage1HeapIndex
		}
		return NormalPage2HeapIndex
	}
	if size < 128 {
		return NormalPage3HeapIndex
	}
	return NormalPage4HeapIndex
}

// ThreadHeap is one of a thread's heaps. Only the owning thread allocates
// from it and sweeps it; the collector touches it only while the owner is
// parked at a safepoint.
//
// Pages live in an arena; the swept and unswept page lists hold arena
// indices.
type ThreadHeap struct {
	state *ThreadState
	index HeapIndex
	log   *zap.Logger

	currentAllocationPoint      Address
	remainingAllocationSize     uintptr
	lastRemainingAllocationSize uintptr
	currentPage                 *HeapPage

	pages        []*HeapPage
	freeSlots    []int32
	sweptPages   []int32
	unsweptPages []int32

	largeObjects        []*LargeObject
	unsweptLargeObjects []*LargeObject

	freeList          FreeList
	promptlyFreedSize uintptr
}

func newThreadHeap(state *ThreadState, index HeapIndex) *ThreadHeap {
	return &ThreadHeap{
		state: state,
		index: index,
		log:   state.log.With(zap.Stringer("heap", index)),
	}
}

func (h *ThreadHeap) rt() *Runtime { return h.state.rt }

func (h *ThreadHeap) hasCurrentAllocationArea() bool {
	return h.currentAllocationPoint != 0 && h.remainingAllocationSize != 0
}

// addToFreeList hands [addr, addr+size) of page to the free list.
func (h *ThreadHeap) addToFreeList(page *HeapPage, addr Address, size uintptr) {
	h.freeList.addToFreeList(page, addr, size)
}

func (h *ThreadHeap) clearFreeLists() { h.freeList.clear() }

// updateRemainingAllocationSize accounts the bytes bump allocated since the
// last update as allocated object size.
func (h *ThreadHeap) updateRemainingAllocationSize() {
	if h.lastRemainingAllocationSize > h.remainingAllocationSize {
		h.rt().stats.increaseAllocatedObjectSize(h.lastRemainingAllocationSize - h.remainingAllocationSize)
		h.lastRemainingAllocationSize = h.remainingAllocationSize
	}
}

// setAllocationPoint installs [point, point+size) of page as the bump
// region. The previous bump region goes back to the free list.
func (h *ThreadHeap) setAllocationPoint(page *HeapPage, point Address, size uintptr) {
	if point != 0 && (size == 0 || size > page.payloadSize() || !page.contains(point)) {
		throw("heap: bad allocation point %#x+%d", point, size)
	}
	if h.hasCurrentAllocationArea() {
		h.addToFreeList(h.currentPage, h.currentAllocationPoint, h.remainingAllocationSize)
	}
	h.updateRemainingAllocationSize()
	h.currentPage = page
	h.currentAllocationPoint = point
	h.remainingAllocationSize = size
	h.lastRemainingAllocationSize = size
}

// allocate returns the payload address of a new, zeroed object.
func (h *ThreadHeap) allocate(size uintptr, gcInfoIndex GCInfoIndex) Address {
	return h.allocateObject(allocationSizeFromSize(size), gcInfoIndex)
}

// allocateObject is the bump allocation fast path.
func (h *ThreadHeap) allocateObject(allocationSize uintptr, gcInfoIndex GCInfoIndex) Address {
	if allocationSize <= h.remainingAllocationSize {
		headerAddress := h.currentAllocationPoint
		h.currentAllocationPoint = headerAddress.add(allocationSize)
		h.remainingAllocationSize -= allocationSize
		headerAt(headerAddress).init(allocationSize, gcInfoIndex)
		return headerAddress.add(headerSize)
	}
	return h.outOfLineAllocate(allocationSize, gcInfoIndex)
}

func (h *ThreadHeap) outOfLineAllocate(allocationSize uintptr, gcInfoIndex GCInfoIndex) Address {
	if allocationSize <= h.remainingAllocationSize || allocationSize < allocationGranularity {
		throw("heap: out of line allocation of %d bytes with %d remaining", allocationSize, h.remainingAllocationSize)
	}

	// 1. Big enough for a page of its own.
	if allocationSize >= largeObjectSizeThreshold {
		return h.allocateLargeObject(allocationSize, gcInfoIndex)
	}

	// 2. Maybe trigger a GC.
	h.updateRemainingAllocationSize()
	h.state.scheduleGCOrForceConservativeGCIfNeeded()

	// 3. Free list.
	if result := h.allocateFromFreeList(allocationSize, gcInfoIndex); result != 0 {
		return result
	}

	// 4. Reset the allocation point.
	h.setAllocationPoint(nil, 0, 0)

	// 5. Lazily sweep pages until one has room.
	if result := h.lazySweepPages(allocationSize, gcInfoIndex); result != 0 {
		return result
	}

	// 6. Coalesce promptly freed runs and retry the free list.
	if h.coalesce() {
		if result := h.allocateFromFreeList(allocationSize, gcInfoIndex); result != 0 {
			return result
		}
	}

	// 7. Finish sweeping all heaps of this thread.
	h.state.completeSweep()

	// 8. New page.
	h.allocatePage()

	// 9. This must succeed.
	result := h.allocateFromFreeList(allocationSize, gcInfoIndex)
	if result == 0 {
		throw("heap: allocation of %d bytes failed on a fresh page", allocationSize)
	}
	return result
}

// allocateFromFreeList takes a run from the biggest non-empty bucket and
// makes it the bump region. Only the head of the last bucket that could
// fit the request is checked; there is no linear scan.
func (h *ThreadHeap) allocateFromFreeList(allocationSize uintptr, gcInfoIndex GCInfoIndex) Address {
	l := &h.freeList
	index := l.biggestFreeListIndex
	bucketSize := uintptr(1) << index
	for ; index > 0; index, bucketSize = index-1, bucketSize>>1 {
		entry, ok := l.head(index)
		if allocationSize > bucketSize {
			if !ok || uintptr(entry.size) < allocationSize {
				break
			}
		}
		if ok {
			l.takeHead(index)
			page := h.pages[entry.page]
			h.setAllocationPoint(page, page.payload().add(uintptr(entry.offset)), uintptr(entry.size))
			l.biggestFreeListIndex = index
			return h.allocateObject(allocationSize, gcInfoIndex)
		}
	}
	l.biggestFreeListIndex = index
	return 0
}

// allocatePage adds a page to the heap, taken from the free page pool or
// carved out of a freshly mapped region, and puts its whole payload on the
// free list.
func (h *ThreadHeap) allocatePage() {
	rt := h.rt()
	memory := rt.freePagePool.takeFreePage(h.index)
	for memory == nil {
		region := allocateNormalPages(rt.regions)
		for i := 0; i < blinkPagesPerRegion; i++ {
			m := setupPageMemoryInRegion(region, uintptr(i)*blinkPageSize, blinkPagePayloadSize())
			// Keep the first page that commits; pool the rest.
			if memory == nil {
				if m.commit() {
					memory = m
				} else {
					m.free()
				}
			} else {
				rt.freePagePool.addFreePage(h.index, m)
			}
		}
	}

	page := newHeapPage(memory, h)
	h.linkPage(page)
	h.sweptPages = append(h.sweptPages, page.index)
	rt.stats.increaseAllocatedSpace(blinkPageSize)
	h.addToFreeList(page, page.payload(), page.payloadSize())
	h.log.Debug("allocated page", zap.Uintptr("payload", uintptr(page.payload())), zap.Int("pages", h.pageCount()))
}

// linkPage gives page a slot in the arena.
func (h *ThreadHeap) linkPage(page *HeapPage) {
	if n := len(h.freeSlots); n > 0 {
		page.index = h.freeSlots[n-1]
		h.freeSlots = h.freeSlots[:n-1]
		h.pages[page.index] = page
		return
	}
	page.index = int32(len(h.pages))
	h.pages = append(h.pages, page)
}

func (h *ThreadHeap) unlinkPage(page *HeapPage) {
	h.pages[page.index] = nil
	h.freeSlots = append(h.freeSlots, page.index)
	page.index = -1
}

func (h *ThreadHeap) pageCount() int { return len(h.pages) - len(h.freeSlots) }

// freePage drops an empty page. Pages of a terminating thread go to the
// orphaned page pool, everything else to the free page pool.
func (h *ThreadHeap) freePage(page *HeapPage) {
	rt := h.rt()
	rt.stats.decreaseAllocatedSpace(blinkPageSize)
	h.unlinkPage(page)
	if h.currentPage == page {
		h.currentPage = nil
	}
	if page.terminating {
		rt.orphanedPagePool.addOrphanedPage(h.index, page)
		return
	}
	memory := page.storage()
	memory.reserved.setPage(memory.writableStart(), nil)
	rt.freePagePool.addFreePage(h.index, memory)
}

func (h *ThreadHeap) allocateLargeObject(allocationSize uintptr, gcInfoIndex GCInfoIndex) Address {
	if allocationSize&allocationMask != 0 {
		throw("heap: unaligned large object size %d", allocationSize)
	}
	rt := h.rt()

	// 1. Maybe trigger a GC.
	h.updateRemainingAllocationSize()
	h.state.scheduleGCOrForceConservativeGCIfNeeded()

	// 2. Sweep at least allocationSize bytes of large objects, or
	// 3. finish sweeping.
	if !h.lazySweepLargeObjects(allocationSize) {
		h.state.completeSweep()
	}

	memory := allocateLargePageMemory(rt.regions, allocationSize)
	lo := newLargeObject(memory, h, allocationSize)
	header := lo.header()
	header.init(largeObjectSizeInHeader, gcInfoIndex)
	h.largeObjects = append(h.largeObjects, lo)

	rt.stats.increaseAllocatedSpace(lo.size())
	rt.stats.increaseAllocatedObjectSize(lo.size())
	return header.payload()
}

// freeLargeObject finalizes a dead large object and drops its page.
func (h *ThreadHeap) freeLargeObject(lo *LargeObject) {
	rt := h.rt()
	rt.gcInfos.finalize(lo.header(), lo.objectPayload())
	rt.stats.decreaseAllocatedSpace(lo.size())
	if lo.terminating {
		rt.orphanedPagePool.addOrphanedPage(h.index, lo)
		return
	}
	lo.storage().free()
}

func (h *ThreadHeap) decreasePromptlyFreedSize(size uintptr) {
	if size > h.promptlyFreedSize {
		throw("heap: promptly freed size underflow: %d > %d", size, h.promptlyFreedSize)
	}
	h.promptlyFreedSize -= size
}

// promptlyFreeObject finalizes an object the mutator knows to be dead. The
// tail object of the bump region is given straight back to it; anything
// else is stamped promptly freed and reclaimed by the next sweep or
// coalesce.
func (h *ThreadHeap) promptlyFreeObject(header *objectHeader) {
	if h.state.sweepForbidden() {
		throw("heap: prompt free while sweeping")
	}
	header.checkHeader()
	if header.isFree() {
		throw("heap: double free of %#x", header.payload())
	}
	address := header.address()
	payload := header.payload()
	size := header.size()
	payloadSize := header.payloadSize()

	h.state.enterSweepForbidden()
	h.rt().gcInfos.finalize(header, payload)
	h.state.leaveSweepForbidden()

	if address.add(size) == h.currentAllocationPoint {
		h.currentAllocationPoint = address
		if h.lastRemainingAllocationSize == h.remainingAllocationSize {
			h.rt().stats.decreaseAllocatedObjectSize(size)
			h.lastRemainingAllocationSize += size
		}
		h.remainingAllocationSize += size
		zeroMemory(address, size)
		return
	}
	zeroMemory(payload, payloadSize)
	header.markPromptlyFreed()
	h.promptlyFreedSize += size
}

// expandObject grows the object in place if it is the tail of the bump
// region and the region has room.
func (h *ThreadHeap) expandObject(header *objectHeader, newSize uintptr) bool {
	// Callers may ask for less than they already have.
	if header.payloadSize() >= newSize {
		return true
	}
	allocationSize := allocationSizeFromSize(newSize)
	expandSize := allocationSize - header.size()
	if header.payloadEnd() == h.currentAllocationPoint && expandSize <= h.remainingAllocationSize {
		h.currentAllocationPoint = h.currentAllocationPoint.add(expandSize)
		h.remainingAllocationSize -= expandSize
		header.setSize(allocationSize)
		return true
	}
	return false
}

// shrinkObject gives back the end of an object. At the bump tail the bytes
// return to the bump region; elsewhere they become a promptly freed run.
func (h *ThreadHeap) shrinkObject(header *objectHeader, newSize uintptr) {
	if header.payloadSize() <= newSize {
		throw("heap: shrinking %d byte object to %d", header.payloadSize(), newSize)
	}
	allocationSize := allocationSizeFromSize(newSize)
	shrinkSize := header.size() - allocationSize
	if header.payloadEnd() == h.currentAllocationPoint {
		h.currentAllocationPoint = h.currentAllocationPoint - Address(shrinkSize)
		h.remainingAllocationSize += shrinkSize
		zeroMemory(h.currentAllocationPoint, shrinkSize)
		header.setSize(allocationSize)
		return
	}
	if shrinkSize < headerSize {
		throw("heap: shrink of %d bytes cannot hold a header", shrinkSize)
	}
	freed := headerAt(header.payloadEnd() - Address(shrinkSize))
	zeroMemory(freed.address(), shrinkSize)
	freed.init(shrinkSize, header.gcInfoIndex())
	freed.markPromptlyFreed()
	h.promptlyFreedSize += shrinkSize
	header.setSize(allocationSize)
}

// coalesce merges adjacent free and promptly freed runs of swept pages
// into fresh free list entries. It only pays off once enough bytes were
// promptly freed.
func (h *ThreadHeap) coalesce() bool {
	if h.promptlyFreedSize < h.rt().cfg.CoalesceThreshold {
		return false
	}
	if h.state.sweepForbidden() {
		return false
	}
	if h.hasCurrentAllocationArea() {
		throw("heap: coalescing with an active allocation area")
	}

	h.clearFreeLists()
	var freedSize uintptr
	for _, i := range h.sweptPages {
		page := h.pages[i]
		page.clearObjectStartBitMap()
		startOfGap := page.payload()
		end := page.payloadEnd()
		for a := startOfGap; a < end; {
			header := headerAt(a)
			size := header.size()
			if size == 0 || size > page.payloadSize() {
				throw("heap: bad header size %d at %#x during coalesce", size, a)
			}
			if header.isPromptlyFreed() {
				zeroMemory(a, headerSize)
				freedSize += size
				a = a.add(size)
				continue
			}
			if header.isFree() {
				zeroMemory(a, headerSize)
				a = a.add(size)
				continue
			}
			if startOfGap != a {
				h.addToFreeList(page, startOfGap, a.sub(startOfGap))
			}
			a = a.add(size)
			startOfGap = a
		}
		if startOfGap != end {
			h.addToFreeList(page, startOfGap, end.sub(startOfGap))
		}
	}
	h.rt().stats.decreaseAllocatedObjectSize(freedSize)
	// Promptly freed runs on pages still waiting for their sweep are
	// accounted for when those pages are swept.
	h.decreasePromptlyFreedSize(freedSize)
	h.log.Debug("coalesced", zap.Uintptr("freed", freedSize))
	return true
}

// lazySweepPages sweeps unswept pages one at a time until the request can
// be served. Empty pages are released on the way.
func (h *ThreadHeap) lazySweepPages(allocationSize uintptr, gcInfoIndex GCInfoIndex) Address {
	if h.hasCurrentAllocationArea() {
		throw("heap: lazy sweep with an active allocation area")
	}
	if len(h.unsweptPages) == 0 {
		return 0
	}
	if !h.state.isSweepingInProgress() {
		throw("heap: unswept pages outside of sweeping")
	}
	// Finalizers run by the sweep may allocate and land here again.
	if h.state.sweepForbidden() {
		return 0
	}

	h.state.enterSweepForbidden()
	defer h.state.leaveSweepForbidden()

	for len(h.unsweptPages) > 0 {
		page := h.pages[h.unsweptPages[0]]
		h.unsweptPages = h.unsweptPages[1:]
		if page.isEmpty() {
			page.removeFromHeap()
			continue
		}
		page.sweep()
		h.sweptPages = append(h.sweptPages, page.index)
		if result := h.allocateFromFreeList(allocationSize, gcInfoIndex); result != 0 {
			return result
		}
	}
	return 0
}

// lazySweepLargeObjects sweeps large objects until at least allocationSize
// bytes were released.
func (h *ThreadHeap) lazySweepLargeObjects(allocationSize uintptr) bool {
	if len(h.unsweptLargeObjects) == 0 {
		return false
	}
	if !h.state.isSweepingInProgress() {
		throw("heap: unswept large objects outside of sweeping")
	}
	if h.state.sweepForbidden() {
		return false
	}

	h.state.enterSweepForbidden()
	defer h.state.leaveSweepForbidden()

	var sweptSize uintptr
	for len(h.unsweptLargeObjects) > 0 {
		lo := h.unsweptLargeObjects[0]
		h.unsweptLargeObjects = h.unsweptLargeObjects[1:]
		if lo.isEmpty() {
			sweptSize += lo.size()
			lo.removeFromHeap()
			if sweptSize >= allocationSize {
				return true
			}
			continue
		}
		lo.sweep()
		h.largeObjects = append(h.largeObjects, lo)
	}
	return false
}

// completeSweep sweeps everything still unswept. The caller holds the
// sweep-forbidden scope.
func (h *ThreadHeap) completeSweep() {
	if !h.state.isSweepingInProgress() {
		throw("heap: complete sweep outside of sweeping")
	}
	for len(h.unsweptPages) > 0 {
		page := h.pages[h.unsweptPages[0]]
		h.unsweptPages = h.unsweptPages[1:]
		if page.isEmpty() {
			page.removeFromHeap()
			continue
		}
		page.sweep()
		h.sweptPages = append(h.sweptPages, page.index)
	}
	for len(h.unsweptLargeObjects) > 0 {
		lo := h.unsweptLargeObjects[0]
		h.unsweptLargeObjects = h.unsweptLargeObjects[1:]
		if lo.isEmpty() {
			lo.removeFromHeap()
			continue
		}
		lo.sweep()
		h.largeObjects = append(h.largeObjects, lo)
	}
	h.unsweptPages = nil
	h.unsweptLargeObjects = nil
}

// prepareForSweep moves every page to the unswept lists at the end of a
// GC.
func (h *ThreadHeap) prepareForSweep() {
	if len(h.unsweptPages) != 0 || len(h.unsweptLargeObjects) != 0 {
		throw("heap: preparing %s for sweep with unswept pages", h.index)
	}
	h.unsweptPages, h.sweptPages = h.sweptPages, nil
	h.unsweptLargeObjects, h.largeObjects = h.largeObjects, nil
}

// makeConsistentForSweeping runs at the start of a GC.
func (h *ThreadHeap) makeConsistentForSweeping() {
	h.markUnmarkedObjectsDead()
	h.setAllocationPoint(nil, 0, 0)
	h.clearFreeLists()
}

func (h *ThreadHeap) markUnmarkedObjectsDead() {
	for _, i := range h.unsweptPages {
		h.pages[i].markUnmarkedObjectsDead()
	}
	h.sweptPages = append(h.sweptPages, h.unsweptPages...)
	h.unsweptPages = nil

	for _, lo := range h.unsweptLargeObjects {
		lo.markUnmarkedObjectsDead()
	}
	h.largeObjects = append(h.largeObjects, h.unsweptLargeObjects...)
	h.unsweptLargeObjects = nil
}

// isConsistentForSweeping reports whether no free list entry and no bump
// region lies in a page that is waiting to be swept.
func (h *ThreadHeap) isConsistentForSweeping() bool {
	unswept := make(map[int32]bool, len(h.unsweptPages))
	for _, i := range h.unsweptPages {
		unswept[i] = true
	}
	for _, bucket := range h.freeList.freeLists {
		for _, e := range bucket {
			if unswept[e.page] {
				return false
			}
		}
	}
	if h.hasCurrentAllocationArea() && h.currentPage != nil && unswept[h.currentPage.index] {
		return false
	}
	return true
}

// prepareHeapForTermination flags every page so that freeing it during the
// thread-local GCs of a terminating thread orphans it instead of pooling
// it.
func (h *ThreadHeap) prepareHeapForTermination() {
	if len(h.unsweptPages) != 0 || len(h.unsweptLargeObjects) != 0 {
		throw("heap: terminating %s with unswept pages", h.index)
	}
	for _, i := range h.sweptPages {
		h.pages[i].terminating = true
	}
	for _, lo := range h.largeObjects {
		lo.terminating = true
	}
}

// cleanupPages hands whatever survived the termination GCs to the
// orphaned page pool.
func (h *ThreadHeap) cleanupPages() {
	h.clearFreeLists()
	h.currentPage = nil
	h.currentAllocationPoint = 0
	h.remainingAllocationSize = 0
	h.lastRemainingAllocationSize = 0
	rt := h.rt()
	for _, i := range h.sweptPages {
		page := h.pages[i]
		rt.stats.decreaseAllocatedSpace(blinkPageSize)
		rt.orphanedPagePool.addOrphanedPage(h.index, page)
	}
	h.sweptPages = nil
	h.pages = nil
	h.freeSlots = nil
	for _, lo := range h.largeObjects {
		rt.stats.decreaseAllocatedSpace(lo.size())
		rt.orphanedPagePool.addOrphanedPage(h.index, lo)
	}
	h.largeObjects = nil
}

// objectPayloadSizeForTesting sums the payloads of all objects. The heap
// must be swept.
func (h *ThreadHeap) objectPayloadSizeForTesting() uintptr {
	if len(h.unsweptPages) != 0 || len(h.unsweptLargeObjects) != 0 {
		throw("heap: payload size of an unswept heap")
	}
	var n uintptr
	for _, i := range h.sweptPages {
		n += h.pages[i].objectPayloadSizeForTesting()
	}
	for _, lo := range h.largeObjects {
		n += lo.objectPayloadSizeForTesting()
	}
	return n
}

// findPageFromAddress finds the page of this heap containing a.
func (h *ThreadHeap) findPageFromAddress(a Address) basePage {
	for _, p := range h.pages {
		if p != nil && p.contains(a) {
			return p
		}
	}
	for _, lo := range h.largeObjects {
		if lo.containedInObjectPayload(a) {
			return lo
		}
	}
	for _, lo := range h.unsweptLargeObjects {
		if lo.containedInObjectPayload(a) {
			return lo
		}
	}
	return nil
}

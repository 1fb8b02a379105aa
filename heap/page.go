package heap

import "math/bits"

// basePage is implemented by HeapPage and LargeObject.
type basePage interface {
	base() *pageBase

	payload() Address
	payloadSize() uintptr
	payloadEnd() Address
	contains(a Address) bool

	isLargeObject() bool
	isEmpty() bool
	sweep()
	markUnmarkedObjectsDead()
	removeFromHeap()

	// checkAndMarkPointer marks the object a points into, if any.
	checkAndMarkPointer(v *Visitor, a Address)

	objectPayloadSizeForTesting() uintptr
}

// pageBase holds what normal and large pages have in common.
type pageBase struct {
	memory      *PageMemory
	heap        *ThreadHeap
	terminating bool
}

func (p *pageBase) base() *pageBase { return p }

func (p *pageBase) storage() *PageMemory { return p.memory }

func (p *pageBase) threadState() *ThreadState {
	if p.heap == nil {
		return nil
	}
	return p.heap.state
}

// markOrphaned detaches the page from its heap. Conservative lookups stop
// finding it: the page's payload is about to be zapped and its headers
// must not be interpreted.
func (p *pageBase) markOrphaned() {
	p.heap = nil
	p.terminating = false
	p.memory.reserved.setPage(p.memory.writableStart(), nil)
}

// HeapPage is a normal page. Its payload is a sequence of objects and free
// runs, each starting with an objectHeader.
type HeapPage struct {
	pageBase

	// index is the page's slot in its ThreadHeap's page arena.
	index int32

	objectStartBitMapComputed bool
	objectStartBitMap         [objectStartBitMapSize]uint8
}

func newHeapPage(m *PageMemory, h *ThreadHeap) *HeapPage {
	p := &HeapPage{pageBase: pageBase{memory: m, heap: h}, index: -1}
	m.reserved.setPage(m.writableStart(), p)
	return p
}

func (p *HeapPage) payload() Address { return p.memory.writableStart() }

func (p *HeapPage) payloadSize() uintptr { return blinkPagePayloadSize() }

func (p *HeapPage) payloadEnd() Address { return p.payload().add(p.payloadSize()) }

func (p *HeapPage) contains(a Address) bool {
	return a >= p.payload() && a < p.payloadEnd()
}

func (p *HeapPage) isLargeObject() bool { return false }

func (p *HeapPage) isEmpty() bool {
	h := headerAt(p.payload())
	return h.isFree() && h.size() == p.payloadSize()
}

func (p *HeapPage) removeFromHeap() { p.heap.freePage(p) }

// walk calls fn for every header in the page, free runs included.
func (p *HeapPage) walk(fn func(h *objectHeader)) {
	end := p.payloadEnd()
	for a := p.payload(); a < end; {
		h := headerAt(a)
		size := h.size()
		if size == 0 || size > p.payloadSize() {
			throw("heap: bad header size %d at %#x", size, a)
		}
		fn(h)
		a = a.add(size)
	}
}

func (p *HeapPage) objectPayloadSizeForTesting() uintptr {
	var n uintptr
	p.walk(func(h *objectHeader) {
		if !h.isFree() {
			h.checkHeader()
			n += h.payloadSize()
		}
	})
	return n
}

// sweep finalizes unmarked objects, unmarks the survivors and rebuilds the
// free list entries for the gaps in between.
func (p *HeapPage) sweep() {
	p.clearObjectStartBitMap()

	h := p.heap
	rt := h.state.rt
	var markedObjectSize uintptr
	startOfGap := p.payload()
	end := p.payloadEnd()
	for a := startOfGap; a < end; {
		header := headerAt(a)
		size := header.size()
		if size == 0 || size > p.payloadSize() {
			throw("heap: bad header size %d at %#x during sweep", size, a)
		}

		if header.isPromptlyFreed() {
			h.decreasePromptlyFreedSize(size)
		}
		if header.isFree() {
			// The rest of a free run is already zero.
			zeroMemory(a, headerSize)
			a = a.add(size)
			continue
		}
		header.checkHeader()

		if !header.isMarked() {
			rt.gcInfos.finalize(header, header.payload())
			zeroMemory(a, size)
			a = a.add(size)
			continue
		}

		if startOfGap != a {
			h.addToFreeList(p, startOfGap, a.sub(startOfGap))
		}
		header.unmark()
		a = a.add(size)
		markedObjectSize += size
		startOfGap = a
	}
	if startOfGap != end {
		h.addToFreeList(p, startOfGap, end.sub(startOfGap))
	}
	if markedObjectSize != 0 {
		rt.stats.increaseMarkedObjectSize(markedObjectSize)
	}
}

// markUnmarkedObjectsDead runs when a GC starts before this page was
// swept. Survivors of the previous GC are unmarked and everything else is
// marked dead so the new GC never traces into it.
func (p *HeapPage) markUnmarkedObjectsDead() {
	p.clearObjectStartBitMap()
	p.walk(func(h *objectHeader) {
		if h.isFree() {
			return
		}
		h.checkHeader()
		if h.isMarked() {
			h.unmark()
		} else {
			h.markDead()
		}
	})
}

func (p *HeapPage) clearObjectStartBitMap() {
	p.objectStartBitMapComputed = false
}

func (p *HeapPage) populateObjectStartBitMap() {
	clear(p.objectStartBitMap[:])
	start := p.payload()
	p.walk(func(h *objectHeader) {
		n := h.address().sub(start) / allocationGranularity
		p.objectStartBitMap[n/8] |= 1 << (n & 7)
	})
	p.objectStartBitMapComputed = true
}

// findHeaderFromAddress maps an interior pointer to the header of the
// object containing it, or nil when a points into a free run.
func (p *HeapPage) findHeaderFromAddress(a Address) *objectHeader {
	if a < p.payload() {
		return nil
	}
	if !p.objectStartBitMapComputed {
		p.populateObjectStartBitMap()
	}
	objectStartNumber := a.sub(p.payload()) / allocationGranularity
	mapIndex := objectStartNumber / 8
	bit := objectStartNumber & 7
	b := p.objectStartBitMap[mapIndex] & uint8(1<<(bit+1)-1)
	for b == 0 {
		if mapIndex == 0 {
			throw("heap: no object start below %#x", a)
		}
		mapIndex--
		b = p.objectStartBitMap[mapIndex]
	}
	objectStartNumber = mapIndex*8 + 7 - uintptr(bits.LeadingZeros8(b))
	h := headerAt(p.payload().add(objectStartNumber * allocationGranularity))
	if h.isFree() {
		return nil
	}
	h.checkHeader()
	return h
}

func (p *HeapPage) checkAndMarkPointer(v *Visitor, a Address) {
	if !p.contains(a) {
		return
	}
	h := p.findHeaderFromAddress(a)
	if h == nil || h.isDead() {
		return
	}
	v.markConservatively(h)
}

// LargeObject is a page holding a single object of at least
// largeObjectSizeThreshold bytes.
type LargeObject struct {
	pageBase

	// objectSize is the object's size, header included.
	objectSize uintptr
}

func newLargeObject(m *PageMemory, h *ThreadHeap, size uintptr) *LargeObject {
	lo := &LargeObject{pageBase: pageBase{memory: m, heap: h}, objectSize: size}
	m.reserved.setPage(m.writableStart(), lo)
	return lo
}

func (lo *LargeObject) header() *objectHeader { return headerAt(lo.memory.writableStart()) }

// objectPayload is the address handed out to the mutator.
func (lo *LargeObject) objectPayload() Address { return lo.header().payload() }

func (lo *LargeObject) objectPayloadSize() uintptr { return lo.objectSize - headerSize }

func (lo *LargeObject) size() uintptr { return lo.objectSize }

func (lo *LargeObject) payload() Address { return lo.memory.writableStart() }

func (lo *LargeObject) payloadSize() uintptr { return lo.objectSize }

func (lo *LargeObject) payloadEnd() Address { return lo.payload().add(lo.objectSize) }

func (lo *LargeObject) contains(a Address) bool {
	return lo.memory.reserved.Contains(a)
}

// containedInObjectPayload reports whether a points into the object
// itself rather than its header or the page's slack.
func (lo *LargeObject) containedInObjectPayload(a Address) bool {
	return a >= lo.objectPayload() && a < lo.payloadEnd()
}

func (lo *LargeObject) isLargeObject() bool { return true }

func (lo *LargeObject) isEmpty() bool { return !lo.header().isMarked() }

func (lo *LargeObject) sweep() {
	lo.heap.state.rt.stats.increaseMarkedObjectSize(lo.size())
	lo.header().unmark()
}

func (lo *LargeObject) markUnmarkedObjectsDead() {
	h := lo.header()
	if h.isMarked() {
		h.unmark()
	} else {
		h.markDead()
	}
}

func (lo *LargeObject) removeFromHeap() { lo.heap.freeLargeObject(lo) }

func (lo *LargeObject) checkAndMarkPointer(v *Visitor, a Address) {
	if !lo.containedInObjectPayload(a) || lo.header().isDead() {
		return
	}
	v.markConservatively(lo.header())
}

func (lo *LargeObject) objectPayloadSizeForTesting() uintptr { return lo.objectPayloadSize() }

// verify checks every header of the page and that free runs hold nothing
// but their header.
func (p *HeapPage) verify() {
	p.walk(func(h *objectHeader) {
		h.checkHeader()
		if !h.isFree() || h.size() <= headerSize {
			return
		}
		for _, b := range h.payload().Bytes(h.payloadSize()) {
			if b != 0 {
				throw("heap: free run at %#x is not zeroed", h.address())
			}
		}
	})
}

package heap

import "unsafe"

// objectHeader precedes every object and every free run in a page.
//
// The encoded word is laid out as follows:
//
//	| gcInfoIndex (15 bits) | size (14 bits) | dead | freed | mark |
//	  31                17    16          3     2      1       0
//
// size is a multiple of allocationGranularity, so its low three bits are
// free to carry the flags. Large objects store size 0 and keep their size in
// the LargeObject. A gcInfoIndex of 0 marks a free run. A promptly freed
// object has both the freed and the dead bit set.
type objectHeader struct {
	encoded uint32
	magic   uint16
	age     uint8
	_       uint8
}

const (
	headerSize = unsafe.Sizeof(objectHeader{})

	headerMagic = 0x1628

	headerMarkBitMask          = 1
	headerFreedBitMask         = 2
	headerDeadBitMask          = 4
	headerPromptlyFreedBitMask = headerFreedBitMask | headerDeadBitMask

	headerSizeMask         = (1<<17 - 1) &^ allocationMask
	headerGCInfoIndexShift = 17
	headerGCInfoIndexMask  = (1<<15 - 1) << headerGCInfoIndexShift

	largeObjectSizeInHeader = 0
	gcInfoIndexForFreeList  = 0

	// Ages saturate here; the snapshot buckets objects by the number of
	// collections they survived.
	maxHeapObjectAge = 7
)

func headerAt(a Address) *objectHeader {
	return (*objectHeader)(unsafe.Pointer(a))
}

func headerFromPayload(p Address) *objectHeader {
	return headerAt(p - Address(headerSize))
}

// init writes a fresh header for an object of the given allocation size.
func (h *objectHeader) init(size uintptr, gcInfoIndex GCInfoIndex) {
	if size >= blinkPageSize && size != largeObjectSizeInHeader {
		throw("heap: header size %d does not fit", size)
	}
	h.encoded = uint32(gcInfoIndex)<<headerGCInfoIndexShift | uint32(size)
	h.magic = headerMagic
	h.age = 0
}

// initFree stamps a free run.
func (h *objectHeader) initFree(size uintptr) {
	h.encoded = uint32(size) | headerFreedBitMask
	h.magic = headerMagic
	h.age = 0
}

func (h *objectHeader) address() Address { return Address(unsafe.Pointer(h)) }

func (h *objectHeader) payload() Address { return h.address().add(headerSize) }

func (h *objectHeader) size() uintptr { return uintptr(h.encoded & headerSizeMask) }

func (h *objectHeader) setSize(size uintptr) {
	h.encoded = h.encoded&^headerSizeMask | uint32(size)
}

func (h *objectHeader) payloadSize() uintptr { return h.size() - headerSize }

func (h *objectHeader) payloadEnd() Address { return h.address().add(h.size()) }

func (h *objectHeader) gcInfoIndex() GCInfoIndex {
	return GCInfoIndex((h.encoded & headerGCInfoIndexMask) >> headerGCInfoIndexShift)
}

func (h *objectHeader) isLargeObject() bool { return h.size() == largeObjectSizeInHeader }

func (h *objectHeader) isFree() bool { return h.encoded&headerFreedBitMask != 0 }

func (h *objectHeader) isPromptlyFreed() bool {
	return h.encoded&headerPromptlyFreedBitMask == headerPromptlyFreedBitMask
}

func (h *objectHeader) markPromptlyFreed() { h.encoded |= headerPromptlyFreedBitMask }

func (h *objectHeader) isMarked() bool { return h.encoded&headerMarkBitMask != 0 }

func (h *objectHeader) mark() {
	if h.isMarked() {
		throw("heap: object at %#x is already marked", h.payload())
	}
	h.encoded |= headerMarkBitMask
}

func (h *objectHeader) unmark() {
	h.encoded &^= headerMarkBitMask
}

func (h *objectHeader) isDead() bool { return h.encoded&headerDeadBitMask != 0 }

func (h *objectHeader) markDead() {
	if h.isMarked() {
		throw("heap: marking live object at %#x dead", h.payload())
	}
	h.encoded |= headerDeadBitMask
}

func (h *objectHeader) incAge() {
	if h.age < maxHeapObjectAge {
		h.age++
	}
}

// checkHeader panics if h does not look like a header written by this heap.
func (h *objectHeader) checkHeader() {
	if h.magic != headerMagic {
		throw("heap: corrupt object header at %#x (magic %#x)", h.address(), h.magic)
	}
}

package heap

import (
	"unsafe"

	"github.com/pianoyeg94/go-threadheap/heap/internal/sysmem"
)

// Address is the address of a byte in heap-managed memory. Object addresses
// handed out by the allocator point at the payload, right after the
// object's header.
type Address uintptr

const (
	// Blink pages are the unit of page management. A blink page is a
	// contiguous, blinkPageSize-aligned chunk of address space with an OS
	// guard page at each end; the rest is the page's payload.
	blinkPageSizeLog2   = 17
	blinkPageSize       = 1 << blinkPageSizeLog2
	blinkPageOffsetMask = blinkPageSize - 1
	blinkPageBaseMask   = ^uintptr(blinkPageOffsetMask)

	// Normal pages are mapped in regions of this many blink pages.
	blinkPagesPerRegion = 10

	allocationGranularity = 8
	allocationMask        = allocationGranularity - 1

	// Allocations at least this large (header included) get a page of
	// their own.
	largeObjectSizeThreshold = blinkPageSize / 2

	maxHeapObjectSizeLog2 = 27
	maxHeapObjectSize     = 1 << maxHeapObjectSizeLog2

	objectStartBitMapSize = (blinkPageSize + (8*allocationGranularity - 1)) / (8 * allocationGranularity)

	// Blocks smaller than this cannot hold a free-list node and are lost
	// until the next sweep.
	freeListEntrySize = 2 * headerSize

	// The thresholds are in bytes since the last GC.
	defaultCoalesceThreshold       = 1 << 20
	defaultPreciseGCThreshold      = 1 << 20
	defaultConservativeGCThreshold = 32 << 20
	conservativeGCCap              = 300 << 20
)

var osPageSize = sysmem.PageSize()

// blinkPagePayloadSize is what remains of a blink page after the guard
// pages.
func blinkPagePayloadSize() uintptr {
	return blinkPageSize - 2*osPageSize
}

func roundToBlinkPageStart(a Address) Address {
	return Address(uintptr(a) & blinkPageBaseMask)
}

func roundToAllocationGranularity(n uintptr) uintptr {
	return (n + allocationMask) &^ allocationMask
}

// allocationSizeFromSize is the number of bytes an object of the given
// payload size occupies including its header.
func allocationSizeFromSize(size uintptr) uintptr {
	if size >= maxHeapObjectSize {
		throw("heap: allocation of %d bytes exceeds the maximum object size", size)
	}
	return roundToAllocationGranularity(size + headerSize)
}

func (a Address) add(n uintptr) Address { return a + Address(n) }

func (a Address) sub(b Address) uintptr { return uintptr(a - b) }

// Load reads the word stored at a.
func (a Address) Load() Address {
	return *(*Address)(unsafe.Pointer(a))
}

// Store writes v to the word at a.
func (a Address) Store(v Address) {
	*(*Address)(unsafe.Pointer(a)) = v
}

// Bytes returns the n bytes starting at a.
func (a Address) Bytes(n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(a)), n)
}

func zeroMemory(a Address, n uintptr) {
	if n == 0 {
		return
	}
	clear(a.Bytes(n))
}

// Slot returns a pointer to the word at a+offset, for use with
// Visitor.RegisterWeakCell on references stored inside heap objects.
func (a Address) Slot(offset uintptr) *Address {
	return (*Address)(unsafe.Pointer(a.add(offset)))
}

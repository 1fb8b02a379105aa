package heap

import "math/bits"

// freeListEntry names a free run by the arena index of its page and its
// offset in the page payload. The run itself starts with a free header.
type freeListEntry struct {
	page   int32
	offset uint32
	size   uint32
}

// FreeList keeps free runs of one ThreadHeap in power-of-two buckets:
// bucket i holds runs of size [2^i, 2^(i+1)).
type FreeList struct {
	biggestFreeListIndex int
	freeLists            [blinkPageSizeLog2][]freeListEntry
}

func bucketIndexForSize(size uintptr) int {
	if size == 0 {
		throw("heap: bucket index for empty run")
	}
	return bits.Len(uint(size)) - 1
}

// addToFreeList records the run [addr, addr+size) of page. Runs too small
// to be worth tracking get a free header and are otherwise forgotten until
// the page is swept again.
func (l *FreeList) addToFreeList(page *HeapPage, addr Address, size uintptr) {
	if size > blinkPagePayloadSize() {
		throw("heap: free run of %d bytes is larger than a page", size)
	}
	headerAt(addr).initFree(size)
	if size < freeListEntrySize {
		return
	}
	i := bucketIndexForSize(size)
	l.freeLists[i] = append(l.freeLists[i], freeListEntry{
		page:   page.index,
		offset: uint32(addr.sub(page.payload())),
		size:   uint32(size),
	})
	if i > l.biggestFreeListIndex {
		l.biggestFreeListIndex = i
	}
}

// takeHead removes the most recently added run of bucket i.
func (l *FreeList) takeHead(i int) freeListEntry {
	b := l.freeLists[i]
	e := b[len(b)-1]
	l.freeLists[i] = b[:len(b)-1]
	return e
}

func (l *FreeList) head(i int) (freeListEntry, bool) {
	b := l.freeLists[i]
	if len(b) == 0 {
		return freeListEntry{}, false
	}
	return b[len(b)-1], true
}

func (l *FreeList) clear() {
	for i := range l.freeLists {
		l.freeLists[i] = l.freeLists[i][:0]
	}
	l.biggestFreeListIndex = 0
}

// freeListSize sums the bytes on the list.
func (l *FreeList) freeListSize() uintptr {
	var n uintptr
	for _, b := range l.freeLists {
		for _, e := range b {
			n += uintptr(e.size)
		}
	}
	return n
}

// countBuckets reports, per bucket, the number of entries and their total
// size.
func (l *FreeList) countBuckets() (counts, sizes [blinkPageSizeLog2]uintptr) {
	for i, b := range l.freeLists {
		counts[i] = uintptr(len(b))
		for _, e := range b {
			sizes[i] += uintptr(e.size)
		}
	}
	return counts, sizes
}

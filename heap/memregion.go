package heap

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/pianoyeg94/go-threadheap/heap/internal/sysmem"
)

// MemoryRegion is a range of address space.
type MemoryRegion struct {
	base Address
	size uintptr
}

func (r MemoryRegion) Base() Address { return r.base }

func (r MemoryRegion) Size() uintptr { return r.size }

func (r MemoryRegion) End() Address { return r.base.add(r.size) }

// Contains reports whether a falls inside the region.
func (r MemoryRegion) Contains(a Address) bool {
	return a >= r.base && uintptr(a-r.base) < r.size
}

func (r MemoryRegion) commit() error {
	return sysmem.Commit(uintptr(r.base), r.size)
}

func (r MemoryRegion) decommit() error {
	return sysmem.Decommit(uintptr(r.base), r.size)
}

// PageMemoryRegion is a blink-page-aligned reservation carved into either
// blinkPagesPerRegion normal pages or a single large-object page. It keeps
// track of which of its pages are in use and releases its address space
// once the last one is deleted.
type PageMemoryRegion struct {
	MemoryRegion

	reservation sysmem.Reservation
	index       *regionIndex
	isLargePage bool
	numPages    int

	mu        sync.Mutex
	inUse     [blinkPagesPerRegion]bool
	livePages int

	// Back-references from page slots to the pages living in them, for
	// conservative pointer lookup.
	normal [blinkPagesPerRegion]atomic.Pointer[HeapPage]
	large  atomic.Pointer[LargeObject]
}

func allocatePageMemoryRegion(index *regionIndex, size uintptr, numPages int) *PageMemoryRegion {
	r, err := sysmem.ReserveAligned(size, blinkPageSize)
	if err != nil {
		outOfMemory(err, "reserve page memory region")
	}
	region := &PageMemoryRegion{
		MemoryRegion: MemoryRegion{base: Address(r.Base), size: size},
		reservation:  r,
		index:        index,
		isLargePage:  numPages == 1,
		numPages:     numPages,
	}
	index.add(region)
	return region
}

// allocateNormalPages reserves a region for blinkPagesPerRegion pages.
func allocateNormalPages(index *regionIndex) *PageMemoryRegion {
	return allocatePageMemoryRegion(index, blinkPageSize*blinkPagesPerRegion, blinkPagesPerRegion)
}

// allocateLargePage reserves a region for one large-object page of the
// given size, guard pages included.
func allocateLargePage(index *regionIndex, size uintptr) *PageMemoryRegion {
	return allocatePageMemoryRegion(index, size, 1)
}

func (r *PageMemoryRegion) slot(a Address) int {
	if r.isLargePage {
		return 0
	}
	return int(uintptr(a-r.base) / blinkPageSize)
}

func (r *PageMemoryRegion) markPageUsed(page Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.slot(page)
	if r.inUse[i] {
		throw("heap: page %#x of region %#x is already in use", page, r.base)
	}
	r.inUse[i] = true
	r.livePages++
}

// pageDeleted releases the page slot holding page. The last deleted page
// takes the region down with it.
func (r *PageMemoryRegion) pageDeleted(page Address) {
	r.mu.Lock()
	i := r.slot(page)
	r.inUse[i] = false
	r.livePages--
	last := r.livePages == 0
	r.mu.Unlock()

	if !last {
		return
	}
	r.index.remove(r)
	if err := sysmem.Release(r.reservation); err != nil {
		r.index.log.Warn("releasing page memory region", zap.Uintptr("base", uintptr(r.base)), zap.Error(err))
	}
}

// pageFromAddress returns the page living in the slot containing a, or nil
// if the slot is pooled, orphaned or unused.
func (r *PageMemoryRegion) pageFromAddress(a Address) basePage {
	if r.isLargePage {
		if lo := r.large.Load(); lo != nil {
			return lo
		}
		return nil
	}
	if p := r.normal[r.slot(a)].Load(); p != nil {
		return p
	}
	return nil
}

func (r *PageMemoryRegion) setPage(a Address, p basePage) {
	switch p := p.(type) {
	case *HeapPage:
		r.normal[r.slot(a)].Store(p)
	case *LargeObject:
		r.large.Store(p)
	case nil:
		if r.isLargePage {
			r.large.Store(nil)
		} else {
			r.normal[r.slot(a)].Store(nil)
		}
	}
}

// PageMemory is the writable part of one page slot: everything between the
// guard pages.
type PageMemory struct {
	reserved *PageMemoryRegion
	writable MemoryRegion
}

// setupPageMemoryInRegion claims the page slot at pageOffset. The payload
// starts right after the leading guard page.
func setupPageMemoryInRegion(region *PageMemoryRegion, pageOffset, payloadSize uintptr) *PageMemory {
	base := region.base.add(pageOffset)
	region.markPageUsed(base)
	return &PageMemory{
		reserved: region,
		writable: MemoryRegion{base: base.add(osPageSize), size: sysmem.RoundUp(payloadSize, osPageSize)},
	}
}

// allocateLargePageMemory maps a guard-paged region for a single large
// object and commits it.
func allocateLargePageMemory(index *regionIndex, payloadSize uintptr) *PageMemory {
	payloadSize = sysmem.RoundUp(payloadSize, osPageSize)
	region := allocateLargePage(index, payloadSize+2*osPageSize)
	m := setupPageMemoryInRegion(region, 0, payloadSize)
	if err := m.writable.commit(); err != nil {
		outOfMemory(err, "commit large object")
	}
	return m
}

func (m *PageMemory) writableStart() Address { return m.writable.base }

func (m *PageMemory) region() *PageMemoryRegion { return m.reserved }

func (m *PageMemory) commit() bool {
	return m.writable.commit() == nil
}

func (m *PageMemory) decommit() {
	if err := m.writable.decommit(); err != nil {
		m.reserved.index.log.Warn("decommitting page", zap.Uintptr("base", uintptr(m.writable.base)), zap.Error(err))
	}
}

// free gives the page slot back to its region. m must not be used again.
func (m *PageMemory) free() {
	m.reserved.setPage(m.writable.base, nil)
	m.reserved.pageDeleted(m.writable.base)
}

type regionItem struct {
	base   Address
	region *PageMemoryRegion
}

func regionLess(a, b regionItem) bool { return a.base < b.base }

// regionIndex finds the PageMemoryRegion containing an address.
type regionIndex struct {
	log *zap.Logger

	mu   sync.RWMutex
	tree *btree.BTreeG[regionItem]
}

func newRegionIndex(log *zap.Logger) *regionIndex {
	return &regionIndex{log: log, tree: btree.NewG(8, regionLess)}
}

func (x *regionIndex) add(r *PageMemoryRegion) {
	x.mu.Lock()
	x.tree.ReplaceOrInsert(regionItem{base: r.base, region: r})
	x.mu.Unlock()
	x.log.Debug("mapped page memory region",
		zap.Uintptr("base", uintptr(r.base)), zap.Uintptr("size", r.size), zap.Bool("large", r.isLargePage))
}

func (x *regionIndex) remove(r *PageMemoryRegion) {
	x.mu.Lock()
	x.tree.Delete(regionItem{base: r.base})
	x.mu.Unlock()
	x.log.Debug("released page memory region", zap.Uintptr("base", uintptr(r.base)))
}

// lookup returns the region containing a, or nil.
func (x *regionIndex) lookup(a Address) *PageMemoryRegion {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var found *PageMemoryRegion
	x.tree.DescendLessOrEqual(regionItem{base: a}, func(item regionItem) bool {
		if item.region.Contains(a) {
			found = item.region
		}
		return false
	})
	return found
}

func (x *regionIndex) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.tree.Len()
}

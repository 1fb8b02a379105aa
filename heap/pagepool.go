package heap

import (
	"sync"

	"go.uber.org/zap"
)

// FreePagePool keeps decommitted normal pages for reuse, one bucket per
// heap index. Any thread may add or take pages.
type FreePagePool struct {
	log *zap.Logger

	mu   [NumberOfHeaps]sync.Mutex
	pool [NumberOfHeaps][]*PageMemory
}

func newFreePagePool(log *zap.Logger) *FreePagePool {
	return &FreePagePool{log: log}
}

// addFreePage decommits memory and pools it under index.
func (p *FreePagePool) addFreePage(index HeapIndex, memory *PageMemory) {
	// Decommit outside the lock; nobody else can see memory yet.
	memory.decommit()
	p.mu[index].Lock()
	p.pool[index] = append(p.pool[index], memory)
	p.mu[index].Unlock()
}

// takeFreePage returns a committed page for index, or nil if the bucket is
// empty. Entries that fail to commit are given back to their region and
// the next one is tried.
func (p *FreePagePool) takeFreePage(index HeapIndex) *PageMemory {
	p.mu[index].Lock()
	defer p.mu[index].Unlock()
	for len(p.pool[index]) > 0 {
		n := len(p.pool[index]) - 1
		memory := p.pool[index][n]
		p.pool[index][n] = nil
		p.pool[index] = p.pool[index][:n]
		if memory.commit() {
			return memory
		}
		p.log.Debug("pooled page failed to commit", zap.Uintptr("base", uintptr(memory.writableStart())))
		memory.free()
	}
	return nil
}

func (p *FreePagePool) len() int {
	n := 0
	for i := range p.pool {
		p.mu[i].Lock()
		n += len(p.pool[i])
		p.mu[i].Unlock()
	}
	return n
}

// releaseAll gives every pooled page back to its region.
func (p *FreePagePool) releaseAll() {
	for i := range p.pool {
		p.mu[i].Lock()
		pages := p.pool[i]
		p.pool[i] = nil
		p.mu[i].Unlock()
		for _, m := range pages {
			m.free()
		}
	}
}

// OrphanedPagePool quarantines the pages of terminated threads. Live
// threads may still hold dangling pointers into them, so they are only
// reclaimed after the next global GC has finished marking.
type OrphanedPagePool struct {
	log *zap.Logger

	mu   [NumberOfHeaps]sync.Mutex
	pool [NumberOfHeaps][]basePage
}

func newOrphanedPagePool(log *zap.Logger) *OrphanedPagePool {
	return &OrphanedPagePool{log: log}
}

func (p *OrphanedPagePool) addOrphanedPage(index HeapIndex, page basePage) {
	page.base().markOrphaned()
	p.mu[index].Lock()
	p.pool[index] = append(p.pool[index], page)
	p.mu[index].Unlock()
}

// decommitOrphanedPages runs inside a global GC pause. Large objects are
// freed outright; normal pages are zeroed and moved to the free page pool.
func (p *OrphanedPagePool) decommitOrphanedPages(free *FreePagePool) int {
	n := 0
	for i := range p.pool {
		index := HeapIndex(i)
		p.mu[i].Lock()
		pages := p.pool[i]
		p.pool[i] = nil
		p.mu[i].Unlock()
		for _, page := range pages {
			memory := page.base().storage()
			if page.isLargeObject() {
				memory.free()
			} else {
				zeroMemory(memory.writableStart(), blinkPagePayloadSize())
				free.addFreePage(index, memory)
			}
			n++
		}
	}
	if n > 0 {
		p.log.Debug("decommitted orphaned pages", zap.Int("pages", n))
	}
	return n
}

// contains reports whether a points into an orphaned page.
func (p *OrphanedPagePool) contains(a Address) bool {
	for i := range p.pool {
		p.mu[i].Lock()
		for _, page := range p.pool[i] {
			if page.base().storage().writable.Contains(a) {
				p.mu[i].Unlock()
				return true
			}
		}
		p.mu[i].Unlock()
	}
	return false
}

func (p *OrphanedPagePool) len() int {
	n := 0
	for i := range p.pool {
		p.mu[i].Lock()
		n += len(p.pool[i])
		p.mu[i].Unlock()
	}
	return n
}

func (p *OrphanedPagePool) releaseAll() {
	for i := range p.pool {
		p.mu[i].Lock()
		pages := p.pool[i]
		p.pool[i] = nil
		p.mu[i].Unlock()
		for _, page := range pages {
			page.base().storage().free()
		}
	}
}

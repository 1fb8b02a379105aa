package heap

import "sync"

type persistentNode struct {
	value Address
	weak  bool
	inUse bool
}

// persistentRegion stores persistent handles and traces them as roots.
// Thread-local regions are only touched by their owner, or by the collector
// while the owner is parked. The cross-thread region has a lock, which the
// collector holds for the whole pause.
type persistentRegion struct {
	mu    *sync.Mutex
	nodes []persistentNode
	free  []int
	count int
}

func newPersistentRegion(crossThread bool) *persistentRegion {
	r := &persistentRegion{}
	if crossThread {
		r.mu = new(sync.Mutex)
	}
	return r
}

func (r *persistentRegion) lock() {
	if r.mu != nil {
		r.mu.Lock()
	}
}

func (r *persistentRegion) unlock() {
	if r.mu != nil {
		r.mu.Unlock()
	}
}

func (r *persistentRegion) allocate(value Address, weak bool) int {
	r.lock()
	defer r.unlock()
	var slot int
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		slot = len(r.nodes)
		r.nodes = append(r.nodes, persistentNode{})
	}
	r.nodes[slot] = persistentNode{value: value, weak: weak, inUse: true}
	r.count++
	return slot
}

func (r *persistentRegion) release(slot int) {
	r.lock()
	defer r.unlock()
	if !r.nodes[slot].inUse {
		throw("heap: persistent released twice")
	}
	r.nodes[slot] = persistentNode{}
	r.free = append(r.free, slot)
	r.count--
}

func (r *persistentRegion) get(slot int) Address {
	r.lock()
	defer r.unlock()
	return r.nodes[slot].value
}

func (r *persistentRegion) set(slot int, value Address) {
	r.lock()
	defer r.unlock()
	r.nodes[slot].value = value
}

func (r *persistentRegion) len() int {
	r.lock()
	defer r.unlock()
	return r.count
}

// trace marks strong handles and registers weak ones to be cleared. The
// caller holds the lock of a cross-thread region.
func (r *persistentRegion) trace(v *Visitor) {
	for i := range r.nodes {
		n := &r.nodes[i]
		if !n.inUse || n.value == 0 {
			continue
		}
		if n.weak {
			v.RegisterWeakCell(&n.value)
			continue
		}
		v.Mark(n.value)
	}
}

// Persistent is a root handle to a heap object. A strong Persistent keeps
// its referent alive; a weak one is cleared when the referent dies.
// Persistents created by a ThreadState belong to that thread; cross-thread
// persistents may be used from any goroutine.
type Persistent struct {
	region *persistentRegion
	slot   int
}

// NewPersistent returns a strong handle owned by the thread.
func (ts *ThreadState) NewPersistent(p Address) *Persistent {
	ts.checkAttached()
	return &Persistent{region: ts.persistents, slot: ts.persistents.allocate(p, false)}
}

// NewWeakPersistent returns a weak handle owned by the thread.
func (ts *ThreadState) NewWeakPersistent(p Address) *Persistent {
	ts.checkAttached()
	return &Persistent{region: ts.persistents, slot: ts.persistents.allocate(p, true)}
}

// NewCrossThreadPersistent returns a strong handle that may be read and
// written from any goroutine.
func (rt *Runtime) NewCrossThreadPersistent(p Address) *Persistent {
	return &Persistent{region: rt.crossThreadPersistents, slot: rt.crossThreadPersistents.allocate(p, false)}
}

// Get returns the referent, or 0.
func (p *Persistent) Get() Address {
	if p.region == nil {
		return 0
	}
	return p.region.get(p.slot)
}

// Set replaces the referent.
func (p *Persistent) Set(a Address) {
	if p.region == nil {
		throw("heap: use of released persistent")
	}
	p.region.set(p.slot, a)
}

// Clear drops the referent but keeps the handle.
func (p *Persistent) Clear() { p.Set(0) }

// Release frees the handle. It must not be used again.
func (p *Persistent) Release() {
	if p.region == nil {
		return
	}
	p.region.release(p.slot)
	p.region = nil
}

package heap

import "unsafe"

type markingMode int

const (
	// globalMarking traces everything reachable, on every thread's heap.
	globalMarking markingMode = iota
	// threadLocalMarking only marks objects on the pages of a terminating
	// thread.
	threadLocalMarking
)

// WeakCallback runs after marking. It may clear references to objects that
// are not alive but must not mark anything.
type WeakCallback func(v *Visitor, closure any)

// EphemeronCallback is invoked with a registered weak table. The iteration
// callback marks the values of entries whose keys are alive; the done
// callback runs once the fixed point is reached.
type EphemeronCallback func(v *Visitor, table any)

// PostMarkingCallback runs after the ephemeron fixed point, before weak
// processing. It may mark objects without tracing them.
type PostMarkingCallback func(v *Visitor, obj Address)

type traceItem struct {
	obj   Address
	trace TraceCallback
}

type weakItem struct {
	closure any
	cb      WeakCallback
}

type ephemeronItem struct {
	table   any
	iterate EphemeronCallback
}

type postMarkingItem struct {
	obj Address
	cb  PostMarkingCallback
}

// Visitor is handed to trace, weak and ephemeron callbacks during a
// collection.
type Visitor struct {
	rt   *Runtime
	mode markingMode

	// host is the object whose trace callback is running, for the marking
	// profile.
	host     Address
	hostName string

	// marked counts the objects marked by this visitor and markedBytes
	// their size including headers.
	marked      int
	markedBytes uintptr
}

// Mark marks the object at p and schedules it for tracing. p must be the
// payload address of a live object or 0.
func (v *Visitor) Mark(p Address) {
	if p == 0 {
		return
	}
	if !v.shouldMarkObject(p) {
		return
	}
	h := headerFromPayload(p)
	h.checkHeader()
	v.markHeader(h, v.rt.gcInfos.lookup(h.gcInfoIndex()).Trace)
}

// MarkNoTracing marks the object at p without tracing its references. It is
// meant for collection backings whose contents are traced by their owner.
func (v *Visitor) MarkNoTracing(p Address) {
	if p == 0 || !v.shouldMarkObject(p) {
		return
	}
	h := headerFromPayload(p)
	h.checkHeader()
	v.markHeader(h, nil)
}

// EnsureMarked marks the object at p if it is not marked yet and reports
// whether it was newly marked. The object is not traced.
func (v *Visitor) EnsureMarked(p Address) bool {
	if p == 0 || !v.shouldMarkObject(p) {
		return false
	}
	h := headerFromPayload(p)
	if h.isMarked() {
		return false
	}
	v.markHeader(h, nil)
	return true
}

// IsMarked reports whether the object at p has been marked by this
// collection.
func (v *Visitor) IsMarked(p Address) bool {
	return p != 0 && headerFromPayload(p).isMarked()
}

// IsAlive reports whether the object at p survives this collection. A nil
// reference is trivially alive, and so is every object a thread-local
// collection does not own.
func (v *Visitor) IsAlive(p Address) bool {
	if p == 0 {
		return true
	}
	if !v.shouldMarkObject(p) {
		return true
	}
	return headerFromPayload(p).isMarked()
}

// RegisterWeakMembers schedules cb to run with closure once marking is
// complete.
func (v *Visitor) RegisterWeakMembers(closure any, cb WeakCallback) {
	v.rt.weakCallbackStack.push(weakItem{closure: closure, cb: cb})
}

// RegisterWeakCell arranges for *cell to be cleared if the object it
// references does not survive the collection.
func (v *Visitor) RegisterWeakCell(cell *Address) {
	v.RegisterWeakMembers(cell, clearDeadCell)
}

func clearDeadCell(v *Visitor, closure any) {
	cell := closure.(*Address)
	if !v.IsAlive(*cell) {
		*cell = 0
	}
}

// RegisterWeakTable registers an ephemeron table. iterate is called
// repeatedly until marking reaches a fixed point; done is called once
// afterwards.
func (v *Visitor) RegisterWeakTable(table any, iterate, done EphemeronCallback) {
	v.rt.ephemeronStack.push(ephemeronItem{table: table, iterate: iterate})
	v.RegisterPostMarkingCallback(0, func(v *Visitor, _ Address) { done(v, table) })
}

// RegisterPostMarkingCallback schedules cb to run with obj after the
// ephemeron fixed point.
func (v *Visitor) RegisterPostMarkingCallback(obj Address, cb PostMarkingCallback) {
	v.rt.postMarkingStack.push(postMarkingItem{obj: obj, cb: cb})
}

// shouldMarkObject filters out objects a thread-local collection does not
// own.
func (v *Visitor) shouldMarkObject(p Address) bool {
	if v.mode == globalMarking {
		return true
	}
	page := v.rt.lookupPage(p)
	return page != nil && page.base().terminating
}

func (v *Visitor) markHeader(h *objectHeader, trace TraceCallback) {
	if prof := v.rt.markingProfile; prof != nil && v.mode == globalMarking {
		prof.recordEdge(v, h)
	}
	if h.isMarked() {
		return
	}
	if h.isDead() {
		throw("heap: marking dead object at %#x", h.payload())
	}
	h.mark()
	v.marked++
	v.markedBytes += v.objectSize(h)
	if trace != nil {
		v.rt.markingStack.push(traceItem{obj: h.payload(), trace: trace})
	}
}

// objectSize returns the size of the object behind h. Large objects keep
// theirs in the page.
func (v *Visitor) objectSize(h *objectHeader) uintptr {
	if !h.isLargeObject() {
		return h.size()
	}
	if lo, ok := v.rt.lookupPage(h.address()).(*LargeObject); ok {
		return lo.size()
	}
	return 0
}

// markConservatively marks an object found through a conservative root.
// Objects whose vtable word has not been written yet are still being
// constructed and are marked without being traced.
func (v *Visitor) markConservatively(h *objectHeader) {
	info := v.rt.gcInfos.lookup(h.gcInfoIndex())
	if info.HasVTable && *(*uintptr)(unsafe.Pointer(h.payload())) == 0 {
		v.markHeader(h, nil)
		return
	}
	v.markHeader(h, info.Trace)
}

// trace pops and runs one trace callback.
func (v *Visitor) trace() bool {
	item, ok := v.rt.markingStack.pop()
	if !ok {
		return false
	}
	if v.mode == threadLocalMarking && !v.shouldMarkObject(item.obj) {
		return true
	}
	prevHost, prevName := v.host, v.hostName
	v.host = item.obj
	if v.rt.markingProfile != nil {
		v.hostName = v.rt.gcInfos.className(headerFromPayload(item.obj).gcInfoIndex())
	}
	item.trace(v, item.obj)
	v.host, v.hostName = prevHost, prevName
	return true
}

// setRoot names the root whose references are about to be marked.
func (v *Visitor) setRoot(name string) {
	v.host = 0
	v.hostName = name
}

package heap

import (
	"sync"
	"sync/atomic"
)

// GCInfoIndex identifies a registered GCInfo. It is stored in every object
// header, so it is limited to 15 bits. Index 0 is reserved for free runs.
type GCInfoIndex uint16

const maxGCInfoIndex = 1<<15 - 1

// TraceCallback must call Visitor.Mark for every strong reference held by
// the object at obj, and may register weak callbacks or ephemeron tables.
type TraceCallback func(v *Visitor, obj Address)

// FinalizeCallback runs when the object at obj is found dead by a sweep or
// is promptly freed. It must not allocate on the heap being swept.
type FinalizeCallback func(obj Address)

// GCInfo is the type-erased metadata the collector needs for a class of
// objects.
type GCInfo struct {
	// ClassName is used by the heap snapshot and the marking profile.
	ClassName string

	// Trace is nil for objects without outgoing references.
	Trace TraceCallback

	// Finalize is nil for objects that need no finalization.
	Finalize FinalizeCallback

	// HasVTable objects keep a non-zero word at the start of their
	// payload once constructed. A conservatively found object whose first
	// word is still zero is marked but not traced.
	HasVTable bool
}

// gcInfoTable maps indices to GCInfos. Readers never lock: every
// registration publishes a fresh copy of the table.
type gcInfoTable struct {
	mu    sync.Mutex
	infos atomic.Pointer[[]GCInfo]
}

func (t *gcInfoTable) register(info GCInfo) GCInfoIndex {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cur []GCInfo
	if p := t.infos.Load(); p != nil {
		cur = *p
	} else {
		cur = []GCInfo{{ClassName: "<free>"}}
	}
	if len(cur) > maxGCInfoIndex {
		throw("heap: more than %d GCInfos registered", maxGCInfoIndex)
	}
	next := make([]GCInfo, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, info)
	t.infos.Store(&next)
	return GCInfoIndex(len(next) - 1)
}

func (t *gcInfoTable) lookup(index GCInfoIndex) *GCInfo {
	p := t.infos.Load()
	if p == nil || int(index) >= len(*p) || index == gcInfoIndexForFreeList {
		throw("heap: unregistered gcInfoIndex %d", index)
	}
	return &(*p)[index]
}

// className tolerates bad indices; it is used for diagnostics only.
func (t *gcInfoTable) className(index GCInfoIndex) string {
	p := t.infos.Load()
	if p == nil || int(index) >= len(*p) {
		return "<unknown>"
	}
	return (*p)[index].ClassName
}

func (t *gcInfoTable) len() int {
	p := t.infos.Load()
	if p == nil {
		return 1
	}
	return len(*p)
}

// finalize runs the object's finalizer, if any.
func (t *gcInfoTable) finalize(h *objectHeader, payload Address) {
	if info := t.lookup(h.gcInfoIndex()); info.Finalize != nil {
		info.Finalize(payload)
	}
}

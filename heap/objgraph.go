package heap

import (
	"io"
	"sort"
	"sync"

	"github.com/aclements/go-moremath/graph"
	"github.com/aclements/go-moremath/graph/graphalg"
	"github.com/aclements/go-moremath/graph/graphout"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// markingProfiler records the object graph traced by global GCs. Node 0..n
// are objects in marking order; every object remembers the first object or
// root that marked it, which gives a path from a root to any live object.
type markingProfiler struct {
	rt  *Runtime
	log *zap.Logger

	cur      *MarkingProfile
	previous map[Address]bool

	mu         sync.Mutex
	pathTarget Address
}

func newMarkingProfiler(rt *Runtime) *markingProfiler {
	return &markingProfiler{rt: rt, log: rt.log.Named("marking")}
}

// MarkingProfile is the object graph of one global GC.
type MarkingProfile struct {
	GC int64

	objects []Address
	classes []string
	sizes   []uintptr
	out     [][]int
	parent  []int
	root    []string
	index   map[Address]int

	// survived[i] is set if objects[i] was also alive in the previous
	// profiled GC.
	survived []bool

	// Path is the path to the object requested with DumpPathToObjectOnNextGC,
	// root first, or nil if it was not reached.
	Path []string
}

var _ graph.Graph = (*MarkingProfile)(nil)

// NumNodes returns the number of marked objects.
func (p *MarkingProfile) NumNodes() int { return len(p.objects) }

// Out returns the objects node i references.
func (p *MarkingProfile) Out(i int) []int { return p.out[i] }

func (p *MarkingProfile) label(i int) string { return p.classes[i] }

// ClassProfile counts the live objects of one class.
type ClassProfile struct {
	ClassName string
	Count     int
	Size      uintptr
	// Survivors were alive in the previous profiled GC as well.
	Survivors int
}

// Classes summarizes the profile per class, largest first.
func (p *MarkingProfile) Classes() []ClassProfile {
	byName := make(map[string]*ClassProfile)
	var out []*ClassProfile
	for i, name := range p.classes {
		c := byName[name]
		if c == nil {
			c = &ClassProfile{ClassName: name}
			byName[name] = c
			out = append(out, c)
		}
		c.Count++
		c.Size += p.sizes[i]
		if p.survived[i] {
			c.Survivors++
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].ClassName < out[j].ClassName
	})
	res := make([]ClassProfile, len(out))
	for i, c := range out {
		res[i] = *c
	}
	return res
}

// PathTo returns the chain of roots and classes through which obj was
// first reached, root first.
func (p *MarkingProfile) PathTo(obj Address) ([]string, bool) {
	i, ok := p.index[obj]
	if !ok {
		return nil, false
	}
	var path []string
	for ; i >= 0; i = p.parent[i] {
		path = append(path, p.classes[i])
		if p.parent[i] < 0 {
			path = append(path, p.root[i])
		}
	}
	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}
	return path, true
}

// Cycles returns the groups of objects that reference each other, as
// class names.
func (p *MarkingProfile) Cycles() [][]string {
	scc := graphalg.SCC(p, graphalg.SCCSubnodeComponent)
	var cycles [][]string
	for cid := 0; cid < scc.NumNodes(); cid++ {
		nodes := scc.Subnodes(cid)
		if len(nodes) <= 1 {
			// A single object is a cycle only if it references itself.
			if len(nodes) == 0 || !p.selfLoop(nodes[0]) {
				continue
			}
		}
		names := make([]string, len(nodes))
		for i, n := range nodes {
			names[i] = p.classes[n]
		}
		sort.Strings(names)
		cycles = append(cycles, names)
	}
	return cycles
}

func (p *MarkingProfile) selfLoop(n int) bool {
	for _, m := range p.out[n] {
		if m == n {
			return true
		}
	}
	return false
}

// WriteDot writes the object graph in Graphviz format.
func (p *MarkingProfile) WriteDot(w io.Writer) error {
	return errors.Wrap(graphout.Dot{Label: p.label}.Fprint(w, p), "writing object graph")
}

// DumpPathToObjectOnNextGC makes the next profiled GC log how obj was
// reached.
func (rt *Runtime) DumpPathToObjectOnNextGC(obj Address) {
	if rt.markingProfile == nil {
		rt.log.Warn("path to object requested without marking profile")
		return
	}
	rt.markingProfile.mu.Lock()
	rt.markingProfile.pathTarget = obj
	rt.markingProfile.mu.Unlock()
}

func (m *markingProfiler) begin() {
	m.cur = &MarkingProfile{index: make(map[Address]int)}
}

// recordEdge records that the visitor's current host references h. The
// object becomes a node the first time it is seen.
func (m *markingProfiler) recordEdge(v *Visitor, h *objectHeader) {
	p := m.cur
	obj := h.payload()
	n, ok := p.index[obj]
	if !ok {
		n = len(p.objects)
		p.index[obj] = n
		p.objects = append(p.objects, obj)
		p.classes = append(p.classes, m.rt.gcInfos.className(h.gcInfoIndex()))
		p.sizes = append(p.sizes, m.objectSize(h))
		p.out = append(p.out, nil)
		p.survived = append(p.survived, m.previous[obj])
		parent := -1
		if v.host != 0 {
			parent = p.index[v.host]
		}
		p.parent = append(p.parent, parent)
		p.root = append(p.root, v.hostName)
	}
	if v.host != 0 {
		if from, ok := p.index[v.host]; ok {
			p.out[from] = append(p.out[from], n)
		}
	}
}

func (m *markingProfiler) objectSize(h *objectHeader) uintptr {
	if !h.isLargeObject() {
		return h.size()
	}
	if lo, ok := m.rt.lookupPage(h.payload()).(*LargeObject); ok {
		return lo.size()
	}
	return 0
}

func (m *markingProfiler) end(gc int64) *MarkingProfile {
	p := m.cur
	m.cur = nil
	p.GC = gc

	m.previous = make(map[Address]bool, len(p.objects))
	for _, obj := range p.objects {
		m.previous[obj] = true
	}

	m.mu.Lock()
	target := m.pathTarget
	m.pathTarget = 0
	m.mu.Unlock()
	if target != 0 {
		path, ok := p.PathTo(target)
		p.Path = path
		if ok {
			m.log.Info("path to object", zap.Uintptr("object", uintptr(target)), zap.Strings("path", path))
		} else {
			m.log.Info("object not reached", zap.Uintptr("object", uintptr(target)))
		}
	}
	return p
}

package heap

import (
	"io"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/pprof/profile"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// ClassSnapshot counts the objects of one GCInfo class found by a GC.
type ClassSnapshot struct {
	ClassName string
	LiveCount int
	LiveSize  uintptr
	DeadCount int
	DeadSize  uintptr
	// Generations[i] counts the objects that survived i collections
	// before this one. Live objects are counted in the generation they
	// are promoted to; the last one saturates.
	Generations [maxHeapObjectAge + 1]int
}

// HeapSpaceSnapshot describes one heap index summed over all threads.
type HeapSpaceSnapshot struct {
	Heap         string
	Pages        int
	LargeObjects int
	FreeSize     uintptr
	FreeCount    int
	FreeListSize uintptr
}

// HeapSnapshot is taken at the end of marking when Config.ProfileHeap is
// set.
type HeapSnapshot struct {
	GC      int64
	Time    time.Time
	Threads int
	Heaps   []HeapSpaceSnapshot
	// Classes is ordered by GCInfoIndex; unused classes are left out.
	Classes []ClassSnapshot
}

func (rt *Runtime) takeSnapshot(gc int64) *HeapSnapshot {
	snap := &HeapSnapshot{
		GC:      gc,
		Time:    time.Now(),
		Threads: len(rt.threads),
		Heaps:   make([]HeapSpaceSnapshot, NumberOfHeaps),
	}
	classes := make([]ClassSnapshot, rt.gcInfos.len())
	for i := range classes {
		classes[i].ClassName = rt.gcInfos.className(GCInfoIndex(i))
	}
	count := func(h *objectHeader, size uintptr) {
		c := &classes[h.gcInfoIndex()]
		if h.isMarked() {
			h.incAge()
			c.LiveCount++
			c.LiveSize += size
			c.Generations[h.age]++
			return
		}
		c.DeadCount++
		c.DeadSize += size
		c.Generations[h.age]++
	}

	for i := range snap.Heaps {
		snap.Heaps[i].Heap = HeapIndex(i).String()
	}
	for _, t := range rt.threads {
		for _, h := range t.heaps {
			hs := &snap.Heaps[h.index]
			hs.FreeListSize += h.freeList.freeListSize()
			for _, i := range h.sweptPages {
				hs.Pages++
				h.pages[i].walk(func(header *objectHeader) {
					if header.isFree() {
						hs.FreeSize += header.size()
						hs.FreeCount++
						return
					}
					count(header, header.size())
				})
			}
			for _, lo := range h.largeObjects {
				hs.LargeObjects++
				count(lo.header(), lo.size())
			}
		}
	}
	for _, c := range classes[1:] {
		if c.LiveCount+c.DeadCount > 0 {
			snap.Classes = append(snap.Classes, c)
		}
	}
	return snap
}

// LiveSize sums the live bytes over all classes.
func (s *HeapSnapshot) LiveSize() uintptr {
	var n uintptr
	for _, c := range s.Classes {
		n += c.LiveSize
	}
	return n
}

// Class returns the entry for a class name.
func (s *HeapSnapshot) Class(name string) (ClassSnapshot, bool) {
	for _, c := range s.Classes {
		if c.ClassName == name {
			return c, true
		}
	}
	return ClassSnapshot{}, false
}

// WriteJSON writes the snapshot as a JSON object.
func (s *HeapSnapshot) WriteJSON(w io.Writer) error {
	jw := jwriter.NewWriter()
	obj := jw.Object()
	obj.Name("gc").Int(int(s.GC))
	obj.Name("time").String(s.Time.UTC().Format(time.RFC3339Nano))
	obj.Name("threads").Int(s.Threads)

	heaps := obj.Name("heaps").Array()
	for _, h := range s.Heaps {
		ho := jw.Object()
		ho.Name("heap").String(h.Heap)
		ho.Name("pages").Int(h.Pages)
		ho.Name("largeObjects").Int(h.LargeObjects)
		ho.Name("freeSize").Int(int(h.FreeSize))
		ho.Name("freeCount").Int(h.FreeCount)
		ho.Name("freeListSize").Int(int(h.FreeListSize))
		ho.End()
	}
	heaps.End()

	classes := obj.Name("classes").Array()
	for _, c := range s.Classes {
		co := jw.Object()
		co.Name("class").String(c.ClassName)
		co.Name("liveCount").Int(c.LiveCount)
		co.Name("liveSize").Int(int(c.LiveSize))
		co.Name("deadCount").Int(c.DeadCount)
		co.Name("deadSize").Int(int(c.DeadSize))
		gens := co.Name("generations").Array()
		for _, g := range c.Generations {
			jw.Int(g)
		}
		gens.End()
		co.End()
	}
	classes.End()
	obj.End()

	if err := jw.Error(); err != nil {
		return errors.Wrap(err, "encoding heap snapshot")
	}
	_, err := w.Write(jw.Bytes())
	return errors.Wrap(err, "writing heap snapshot")
}

// Profile converts the snapshot to a pprof profile with one sample per
// class, so that `go tool pprof` can rank classes by live and dead bytes.
func (s *HeapSnapshot) Profile() (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "live_objects", Unit: "count"},
			{Type: "live_space", Unit: "bytes"},
			{Type: "dead_objects", Unit: "count"},
			{Type: "dead_space", Unit: "bytes"},
		},
		DefaultSampleType: "live_space",
		PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:            1,
		TimeNanos:         s.Time.UnixNano(),
		Comments:          []string{"threadheap snapshot"},
	}
	classes := append([]ClassSnapshot(nil), s.Classes...)
	sort.SliceStable(classes, func(i, j int) bool { return classes[i].LiveSize > classes[j].LiveSize })
	for i, c := range classes {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: c.ClassName, SystemName: c.ClassName}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(c.LiveCount), int64(c.LiveSize), int64(c.DeadCount), int64(c.DeadSize)},
			NumLabel: map[string][]int64{"gc": {s.GC}},
		})
	}
	if err := p.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "building heap profile")
	}
	return p, nil
}

// WriteProfile writes the snapshot as a gzipped pprof profile.
func (s *HeapSnapshot) WriteProfile(w io.Writer) error {
	p, err := s.Profile()
	if err != nil {
		return err
	}
	return errors.Wrap(p.Write(w), "writing heap profile")
}

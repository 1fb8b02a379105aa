package heap_test

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/pianoyeg94/go-threadheap/heap"
)

func TestMarkingProfile(t *testing.T) {
	f := newFixture(t, func(c *heap.Config) { c.ProfileMarking = true })

	c := f.newBlob(1)
	self := f.newNode(0, 0)
	*self.Slot(0) = self
	b := f.newNode(c, self)
	d := f.newNode(0, 0)
	e := f.newNode(d, 0)
	*d.Slot(0) = e
	a := f.newNode(b, d)
	f.newBlob(2) // garbage
	root := f.ts.NewPersistent(a)
	defer root.Release()

	f.rt.DumpPathToObjectOnNextGC(c)
	f.gc(t)
	prof := f.rt.LastMarkingProfile()
	if prof == nil {
		t.Fatal("no marking profile after GC")
	}
	if got := prof.NumNodes(); got != 6 {
		t.Fatalf("got %d nodes, want 6", got)
	}

	want := []heap.ClassProfile{
		{ClassName: "Node", Count: 5, Size: 5 * 24},
		{ClassName: "Blob", Count: 1, Size: 24},
	}
	if got := prof.Classes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got classes %+v, want %+v", got, want)
	}

	wantPath := []string{"persistent", "Node", "Node", "Blob"}
	path, ok := prof.PathTo(c)
	if !ok || !reflect.DeepEqual(path, wantPath) {
		t.Fatalf("got path %v, %v; want %v", path, ok, wantPath)
	}
	if !reflect.DeepEqual(prof.Path, wantPath) {
		t.Fatalf("got requested path %v, want %v", prof.Path, wantPath)
	}
	if _, ok := prof.PathTo(heap.Address(0x1000)); ok {
		t.Fatal("found a path to an unknown object")
	}

	cycles := prof.Cycles()
	wantCycles := map[string]bool{"Node,Node": true, "Node": true}
	if len(cycles) != len(wantCycles) {
		t.Fatalf("got cycles %v, want the d-e pair and the self loop", cycles)
	}
	for _, cyc := range cycles {
		if !wantCycles[strings.Join(cyc, ",")] {
			t.Fatalf("unexpected cycle %v", cyc)
		}
	}

	var buf bytes.Buffer
	if err := prof.WriteDot(&buf); err != nil {
		t.Fatal(err)
	}
	if out := buf.String(); !strings.Contains(out, "digraph") || !strings.Contains(out, "Blob") {
		t.Fatalf("dot output lacks the graph or its labels:\n%s", out)
	}

	// Everything survives the next GC.
	f.gc(t)
	for _, cp := range f.rt.LastMarkingProfile().Classes() {
		if cp.Survivors != cp.Count {
			t.Fatalf("class %s: %d of %d objects marked as survivors", cp.ClassName, cp.Survivors, cp.Count)
		}
	}
	if f.rt.LastMarkingProfile().Path != nil {
		t.Fatal("path request was not consumed by the first GC")
	}
}

func TestDumpPathWithoutProfile(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.DumpPathToObjectOnNextGC(f.newBlob(1))
	f.gc(t)
	if f.rt.LastMarkingProfile() != nil {
		t.Fatal("marking profile recorded without ProfileMarking")
	}
}

package heap

import (
	"testing"

	"github.com/pianoyeg94/go-threadheap/heap/internal/sysmem"
)

// scratch returns committed memory outside the Go heap, large enough for
// words words. It is released when the test ends.
func scratch(t *testing.T, words int) Address {
	t.Helper()
	size := sysmem.RoundUp(uintptr(words)*8, sysmem.PageSize())
	r, err := sysmem.Reserve(size)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := sysmem.Release(r); err != nil {
			t.Errorf("Release: %v", err)
		}
	})
	if err := sysmem.Commit(r.Base, size); err != nil {
		t.Fatal(err)
	}
	return Address(r.Base)
}

func TestHeaderEncoding(t *testing.T) {
	tests := []struct {
		size uintptr
		gci  GCInfoIndex
	}{
		{headerSize, 1},
		{64, 2},
		{blinkPageSize - allocationGranularity, maxGCInfoIndex},
		{largeObjectSizeInHeader, 7},
	}
	for _, tt := range tests {
		h := headerAt(scratch(t, 2))
		h.init(tt.size, tt.gci)
		if got := h.size(); got != tt.size {
			t.Fatalf("size: got %d, want %d", got, tt.size)
		}
		if got := h.gcInfoIndex(); got != tt.gci {
			t.Fatalf("gcInfoIndex: got %d, want %d", got, tt.gci)
		}
		if h.isMarked() || h.isFree() || h.isDead() {
			t.Fatalf("fresh header has flags set: %#x", h.encoded)
		}
		if got, want := h.isLargeObject(), tt.size == largeObjectSizeInHeader; got != want {
			t.Fatalf("isLargeObject: got %v, want %v", got, want)
		}
		h.checkHeader()
	}
}

func TestHeaderFlags(t *testing.T) {
	h := headerAt(scratch(t, 2))
	h.init(64, 3)

	h.mark()
	if !h.isMarked() || h.size() != 64 || h.gcInfoIndex() != 3 {
		t.Fatalf("mark clobbered the header: %#x", h.encoded)
	}
	h.unmark()
	if h.isMarked() {
		t.Fatal("still marked after unmark")
	}

	h.markDead()
	if !h.isDead() || h.isFree() || h.isPromptlyFreed() {
		t.Fatalf("dead header: got %#x", h.encoded)
	}

	h.init(64, 3)
	h.markPromptlyFreed()
	if !h.isPromptlyFreed() || !h.isFree() || !h.isDead() {
		t.Fatalf("promptly freed header: got %#x", h.encoded)
	}

	h.initFree(32)
	if !h.isFree() || h.isPromptlyFreed() || h.gcInfoIndex() != gcInfoIndexForFreeList {
		t.Fatalf("free header: got %#x", h.encoded)
	}
}

func TestHeaderAgeSaturates(t *testing.T) {
	h := headerAt(scratch(t, 2))
	h.init(16, 1)
	for i := 0; i < 20; i++ {
		h.incAge()
	}
	if h.age != maxHeapObjectAge {
		t.Fatalf("got age %d, want %d", h.age, maxHeapObjectAge)
	}
	h.init(16, 1)
	if h.age != 0 {
		t.Fatalf("init kept age %d", h.age)
	}
}

func TestHeaderAssertions(t *testing.T) {
	tests := []struct {
		name string
		f    func(h *objectHeader)
	}{
		{"double mark", func(h *objectHeader) { h.mark(); h.mark() }},
		{"live marked dead", func(h *objectHeader) { h.mark(); h.markDead() }},
		{"bad magic", func(h *objectHeader) { h.magic = 0; h.checkHeader() }},
		{"oversized", func(h *objectHeader) { h.init(blinkPageSize, 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := headerAt(scratch(t, 2))
			h.init(16, 1)
			defer func() {
				if r := recover(); !IsAssertionFailure(r) {
					t.Fatalf("got panic %v, want an assertion failure", r)
				}
			}()
			tt.f(h)
		})
	}
}

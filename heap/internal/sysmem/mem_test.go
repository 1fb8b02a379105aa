package sysmem

import (
	"testing"
	"unsafe"
)

func TestReserveAligned(t *testing.T) {
	const align = 1 << 17
	for _, size := range []uintptr{align, 10 * align, 3*align + PageSize()} {
		r, err := ReserveAligned(size, align)
		if err != nil {
			t.Fatalf("ReserveAligned(%#x): %v", size, err)
		}
		if r.Base&(align-1) != 0 {
			t.Errorf("base %#x is not aligned to %#x", r.Base, align)
		}
		if r.Size != size {
			t.Errorf("got size %#x, want %#x", r.Size, size)
		}
		if !r.Contains(r.Base) || !r.Contains(r.Base+size-1) || r.Contains(r.Base+size) {
			t.Errorf("Contains disagrees with [%#x, %#x)", r.Base, r.Base+size)
		}
		if err := Release(r); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
}

func TestCommitDecommitZeroes(t *testing.T) {
	ps := PageSize()
	r, err := Reserve(4 * ps)
	if err != nil {
		t.Fatal(err)
	}
	defer Release(r)

	base := r.Base + ps
	if err := Commit(base, 2*ps); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	p := (*uint64)(unsafe.Pointer(base))
	*p = 0xdeadbeef
	if *p != 0xdeadbeef {
		t.Fatalf("committed memory did not retain a write")
	}

	if err := Decommit(base, 2*ps); err != nil {
		t.Fatalf("Decommit: %v", err)
	}
	if err := Commit(base, 2*ps); err != nil {
		t.Fatalf("re-Commit: %v", err)
	}
	if *p != 0 {
		t.Fatalf("got %#x after decommit and commit, want 0", *p)
	}
}

func TestRoundUp(t *testing.T) {
	tests := []struct {
		n, align, want uintptr
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 4096, 4096},
		{1<<17 + 1, 1 << 17, 1 << 18},
	}
	for _, tt := range tests {
		if got := RoundUp(tt.n, tt.align); got != tt.want {
			t.Errorf("RoundUp(%#x, %#x) = %#x, want %#x", tt.n, tt.align, got, tt.want)
		}
	}
}

func TestRandomHintAligned(t *testing.T) {
	for i := 0; i < 100; i++ {
		if h := RandomHint(1 << 17); h&(1<<17-1) != 0 {
			t.Fatalf("hint %#x is not aligned", h)
		}
	}
}

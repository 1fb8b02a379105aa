// Package sysmem is the OS memory abstraction the heap builds its pages on.
//
// Regions of the address space handed out by this package are in one of
// three states at any given time:
//  1. None - unreserved and unmapped, the default state of any region.
//  2. Reserved - owned by the heap, but accessing it faults. Does not count
//     against the process' memory footprint.
//  3. Committed - readable and writable. Freshly committed memory reads as
//     zero, including memory that was committed, decommitted and committed
//     again.
//
// Reserve and ReserveAligned move a region from None to Reserved, Commit
// moves a subrange to Committed, Decommit moves it back to Reserved and
// Release returns the whole reservation to None.
package sysmem

import (
	"math/rand"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// ErrOutOfAddressSpace is returned when the OS refuses a reservation.
var ErrOutOfAddressSpace = errors.New("sysmem: out of address space")

// maxAlignedAttempts bounds the number of randomized reservations tried
// before falling back to over-reserving and trimming.
const maxAlignedAttempts = 10

// Reservation is a range of reserved address space. Base and Size describe
// the range the caller asked for. The OS mapping backing it may be larger
// when the platform cannot trim an over-aligned reservation.
type Reservation struct {
	Base uintptr
	Size uintptr

	mapped     uintptr
	mappedSize uintptr
}

// Contains reports whether addr falls inside the usable range.
func (r Reservation) Contains(addr uintptr) bool {
	return addr-r.Base < r.Size
}

var (
	reservedBytes  atomic.Int64
	committedBytes atomic.Int64
)

// Reserved returns the number of bytes currently reserved.
func Reserved() int64 { return reservedBytes.Load() }

// Committed returns the number of bytes currently committed.
func Committed() int64 { return committedBytes.Load() }

// PageSize returns the OS page size.
func PageSize() uintptr { return pageSizeOS() }

// RoundUp rounds n up to a multiple of align, which must be a power of two.
func RoundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// RandomHint returns a pseudo random, align-aligned address to pass to the
// OS as a placement hint. Zero lets the OS choose.
func RandomHint(align uintptr) uintptr {
	if unsafe.Sizeof(uintptr(0)) < 8 {
		return 0
	}
	// Stay within the lower 46 bits, which every 64-bit platform we
	// support exposes to user space.
	const mask = 1<<46 - 1
	return uintptr(rand.Uint64()&mask) &^ (align - 1)
}

// Reserve reserves size bytes at an address of the OS's choosing.
func Reserve(size uintptr) (Reservation, error) {
	base, err := reserveOS(0, size)
	if err != nil {
		return Reservation{}, errors.Wrapf(err, "reserve %d bytes", size)
	}
	reservedBytes.Add(int64(size))
	return Reservation{Base: base, Size: size, mapped: base, mappedSize: size}, nil
}

// ReserveAligned reserves size bytes whose base is a multiple of align.
//
// Randomized hints are tried first. When the OS keeps ignoring them the
// platform specific fallback over-reserves by align and trims, or keeps the
// over-sized mapping where trimming is impossible.
func ReserveAligned(size, align uintptr) (Reservation, error) {
	for i := 0; i < maxAlignedAttempts; i++ {
		base, err := reserveOS(RandomHint(align), size)
		if err != nil {
			return Reservation{}, errors.Wrapf(err, "reserve %d bytes", size)
		}
		if base&(align-1) == 0 {
			reservedBytes.Add(int64(size))
			return Reservation{Base: base, Size: size, mapped: base, mappedSize: size}, nil
		}
		if err := releaseOS(base, size); err != nil {
			return Reservation{}, errors.Wrapf(err, "release misaligned reservation %#x", base)
		}
	}

	r, err := reserveAlignedOS(size, align)
	if err != nil {
		return Reservation{}, err
	}
	reservedBytes.Add(int64(r.mappedSize))
	return r, nil
}

// Release returns the whole reservation to the OS. Committed subranges are
// released with it.
func Release(r Reservation) error {
	if r.mappedSize == 0 {
		return nil
	}
	if err := releaseOS(r.mapped, r.mappedSize); err != nil {
		return errors.Wrapf(err, "release [%#x, %#x)", r.mapped, r.mapped+r.mappedSize)
	}
	reservedBytes.Add(-int64(r.mappedSize))
	return nil
}

// Commit makes [base, base+size) readable and writable.
func Commit(base, size uintptr) error {
	if err := commitOS(base, size); err != nil {
		return errors.Wrapf(err, "commit [%#x, %#x)", base, base+size)
	}
	committedBytes.Add(int64(size))
	return nil
}

// Decommit returns the physical memory behind [base, base+size) to the OS
// and makes the range inaccessible again.
func Decommit(base, size uintptr) error {
	if err := decommitOS(base, size); err != nil {
		return errors.Wrapf(err, "decommit [%#x, %#x)", base, base+size)
	}
	committedBytes.Add(-int64(size))
	return nil
}

func bytesAt(base, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
}

package sysmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func pageSizeOS() uintptr { return uintptr(unix.Getpagesize()) }

// reserveOS maps size bytes of PROT_NONE memory. A PROT_NONE anonymous
// mapping sets address space aside without reserving physical memory, and
// later mmap calls without MAP_FIXED will not land on it.
//
// hint is only a hint: the kernel uses it when the range is free and picks
// another address otherwise.
func reserveOS(hint, size uintptr) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return 0, ErrOutOfAddressSpace
		}
		return 0, err
	}
	return uintptr(p), nil
}

// reserveAlignedOS over-reserves by align and unmaps the misaligned head
// and the unused tail. Linux lets us unmap any page-aligned piece of a
// mapping, so the result is exactly size bytes.
func reserveAlignedOS(size, align uintptr) (Reservation, error) {
	raw, err := reserveOS(0, size+align)
	if err != nil {
		return Reservation{}, errors.Wrapf(err, "reserve %d bytes aligned to %#x", size, align)
	}
	base := RoundUp(raw, align)
	if head := base - raw; head > 0 {
		if err := releaseOS(raw, head); err != nil {
			return Reservation{}, err
		}
	}
	end := raw + size + align
	if tail := end - (base + size); tail > 0 {
		if err := releaseOS(base+size, tail); err != nil {
			return Reservation{}, err
		}
	}
	return Reservation{Base: base, Size: size, mapped: base, mappedSize: size}, nil
}

// The munmap() system call deletes the mappings for the specified address
// range. Further references to addresses within the range generate
// SIGSEGV.
func releaseOS(base, size uintptr) error {
	return unix.MunmapPtr(unsafe.Pointer(base), size)
}

func commitOS(base, size uintptr) error {
	return unix.Mprotect(bytesAt(base, size), unix.PROT_READ|unix.PROT_WRITE)
}

// decommitOS drops the pages with MADV_DONTNEED, after which private
// anonymous memory reads back as zero, and then revokes access so a stale
// pointer into a decommitted page faults instead of silently reading zero.
func decommitOS(base, size uintptr) error {
	b := bytesAt(base, size)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

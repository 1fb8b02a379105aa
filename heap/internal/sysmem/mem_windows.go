package sysmem

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

// maxTrimAttempts is how often the release-then-re-reserve dance is tried
// before settling for an over-sized reservation.
const maxTrimAttempts = 3

func pageSizeOS() uintptr { return uintptr(windows.Getpagesize()) }

func reserveOS(hint, size uintptr) (uintptr, error) {
	p, err := windows.VirtualAlloc(hint, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil && hint != 0 {
		// Unlike mmap, VirtualAlloc fails outright when the hinted range
		// is taken.
		p, err = windows.VirtualAlloc(0, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	}
	if err != nil {
		return 0, errors.Mark(err, ErrOutOfAddressSpace)
	}
	return p, nil
}

// reserveAlignedOS cannot trim: Windows releases whole reservations only.
// Reserve an over-sized range to learn a suitable aligned address, release
// it and immediately re-reserve exactly size bytes there. Another thread
// may grab the range in between, so retry a few times and finally keep the
// over-sized reservation.
func reserveAlignedOS(size, align uintptr) (Reservation, error) {
	for i := 0; i < maxTrimAttempts; i++ {
		raw, err := reserveOS(0, size+align)
		if err != nil {
			return Reservation{}, err
		}
		if err := releaseOS(raw, size+align); err != nil {
			return Reservation{}, err
		}
		base := RoundUp(raw, align)
		if p, err := windows.VirtualAlloc(base, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS); err == nil && p == base {
			return Reservation{Base: base, Size: size, mapped: base, mappedSize: size}, nil
		}
	}

	raw, err := reserveOS(0, size+align)
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{Base: RoundUp(raw, align), Size: size, mapped: raw, mappedSize: size + align}, nil
}

func releaseOS(base, _ uintptr) error {
	return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
}

func commitOS(base, size uintptr) error {
	_, err := windows.VirtualAlloc(base, size, windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return err
}

func decommitOS(base, size uintptr) error {
	return windows.VirtualFree(base, size, windows.MEM_DECOMMIT)
}

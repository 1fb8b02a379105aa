package heap

import (
	"github.com/cockroachdb/errors"

	"github.com/pianoyeg94/go-threadheap/heap/internal/sysmem"
)

var (
	// ErrRuntimeShutdown is returned by operations on a runtime after
	// Shutdown.
	ErrRuntimeShutdown = errors.New("heap: runtime is shut down")

	// ErrThreadsAttached is returned by Shutdown while threads are still
	// attached.
	ErrThreadsAttached = errors.New("heap: threads are still attached")

	// ErrBadDebugSetting is returned for a malformed THREADHEAPDEBUG entry.
	ErrBadDebugSetting = errors.New("heap: bad debug setting")

	// ErrOutOfAddressSpace is the panic value raised when address space
	// cannot be reserved for new pages.
	ErrOutOfAddressSpace = sysmem.ErrOutOfAddressSpace
)

// throw reports a broken heap invariant. There is no recovering from a
// corrupt heap, so it panics with an assertion failure.
func throw(format string, args ...any) {
	panic(errors.AssertionFailedf(format, args...))
}

// outOfMemory panics with err marked as ErrOutOfAddressSpace.
func outOfMemory(err error, op string) {
	panic(errors.Mark(errors.Wrap(err, op), ErrOutOfAddressSpace))
}

// IsAssertionFailure reports whether a recovered panic value is a heap
// invariant violation.
func IsAssertionFailure(v any) bool {
	err, ok := v.(error)
	return ok && errors.HasAssertionFailure(err)
}

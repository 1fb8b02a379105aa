package heap

// LockAttachForTesting holds the attach lock the way a thread attaching or
// a concurrent collection would, until the returned function is called.
func (rt *Runtime) LockAttachForTesting() (unlock func()) {
	rt.attachMu.Lock()
	return rt.attachMu.Unlock
}

// PageCountForTesting counts the normal pages of every heap of ts.
func (ts *ThreadState) PageCountForTesting() int {
	n := 0
	for _, h := range ts.heaps {
		n += h.pageCount()
	}
	return n
}

// IsFreeForTesting reports whether the object at p was promptly freed or
// belongs to a free run.
func IsFreeForTesting(p Address) bool {
	return headerFromPayload(p).isFree()
}

// Package heap is a garbage-collected object heap for cooperating mutator
// threads.
//
// Memory is handed out from blink pages: 128 KiB aligned slots carved out
// of reserved regions of ten pages, each slot framed by guard pages.
// Objects smaller than half a page are bump allocated from the current
// allocation area of a ThreadHeap and fall back to size-class free lists;
// larger objects get a page of their own. Every object starts with an
// 8 byte header carrying its size, its GCInfoIndex and the mark, freed and
// dead bits.
//
// Each goroutine that allocates attaches a ThreadState, which owns one
// ThreadHeap per HeapIndex. Collections stop the world at safepoints the
// threads reach explicitly, mark from persistent handles, root callbacks
// and optionally conservatively scanned words, process ephemeron tables
// and weak callbacks, and leave each thread to sweep its own pages lazily
// as it allocates. A thread that detaches runs thread-local collections
// over its own pages and orphans whatever survives until the next global
// collection.
//
//	rt, _ := heap.New(heap.DefaultConfig())
//	node := rt.RegisterGCInfo(heap.GCInfo{ClassName: "Node", Trace: traceNode})
//	ts, _ := rt.Attach()
//	root := ts.NewPersistent(ts.Allocate(16, node))
//	ts.CollectGarbage(heap.NoHeapPointersOnStack, heap.GCWithSweep)
//	root.Release()
//	ts.Detach()
//	rt.Shutdown()
//
// The THREADHEAPDEBUG environment variable tunes a Config, see ParseDebug.
package heap

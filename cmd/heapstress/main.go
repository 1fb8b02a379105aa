// Command heapstress hammers a heap runtime with allocating goroutines and
// periodic global collections, then reports the GC pauses.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/pianoyeg94/go-threadheap/heap"
)

var (
	threads = flag.Int("threads", runtime.NumCPU(), "number of allocating goroutines")
	objects = flag.Int("objects", 10000, "nodes per linked list")
	size    = flag.Int("size", 32, "payload size of a node in bytes, at least 16")
	gcs     = flag.Int("gcs", 10, "number of global collections to run")
	jsonOut = flag.String("json", "", "write the last heap snapshot as JSON to this file")
	pprofTo = flag.String("pprof", "", "write the last heap snapshot as a pprof profile to this file")
	dotOut  = flag.String("dot", "", "write the last marking profile in Graphviz format to this file")
	verbose = flag.Bool("v", false, "debug logging")
)

// Nodes keep the next node in their first word and their position in the
// list in the second.
func traceNode(v *heap.Visitor, obj heap.Address) {
	v.Mark(*obj.Slot(0))
}

type stress struct {
	rt      *heap.Runtime
	log     *zap.Logger
	node    heap.GCInfoIndex
	backing heap.GCInfoIndex

	finalized atomic.Int64
	rounds    atomic.Int64
	stop      atomic.Bool

	mu   sync.Mutex
	errs []error
}

func main() {
	flag.Parse()

	var log *zap.Logger
	var err error
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("heapstress failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	if *size < 16 {
		return errors.Newf("node size %d is below 16 bytes", *size)
	}
	if *threads < 1 || *objects < 1 {
		return errors.New("need at least one thread and one object")
	}

	cfg := heap.DefaultConfig()
	cfg.Logger = log
	cfg.GCTrace = true
	cfg.ProfileHeap = *jsonOut != "" || *pprofTo != ""
	cfg.ProfileMarking = *dotOut != ""
	if err := cfg.ParseEnv(); err != nil {
		return err
	}
	rt, err := heap.New(cfg)
	if err != nil {
		return err
	}

	s := &stress{rt: rt, log: log}
	s.node = rt.RegisterGCInfo(heap.GCInfo{
		ClassName: "ListNode",
		Trace:     traceNode,
		Finalize:  func(heap.Address) { s.finalized.Add(1) },
	})
	s.backing = rt.RegisterGCInfo(heap.GCInfo{ClassName: "VectorBacking"})

	driver, err := rt.Attach()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < *threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker()
		}()
	}

	start := time.Now()
	for i := 0; i < *gcs; i++ {
		driver.SafePointScope(heap.NoHeapPointersOnStack, func() { time.Sleep(20 * time.Millisecond) })
		if !driver.CollectGarbage(heap.NoHeapPointersOnStack, heap.GCWithSweep) {
			log.Info("collection deferred", zap.Int("gc", i))
			driver.SafePoint(heap.NoHeapPointersOnStack)
		}
	}
	s.stop.Store(true)
	driver.SafePointScope(heap.NoHeapPointersOnStack, wg.Wait)
	elapsed := time.Since(start)
	driver.Detach()

	if err := s.writeArtifacts(); err != nil {
		return err
	}
	if err := rt.Shutdown(); err != nil {
		return err
	}

	st := rt.Stats()
	ps := rt.PauseSummary()
	fmt.Printf("%d threads, %d rounds, %d objects finalized in %v\n",
		*threads, s.rounds.Load(), s.finalized.Load(), elapsed.Round(time.Millisecond))
	fmt.Printf("%d GCs, pauses: min %v  mean %v  p50 %v  p95 %v  p99 %v  max %v  stddev %v  total %v\n",
		st.GCCount, ps.Min, ps.Mean, ps.P50, ps.P95, ps.P99, ps.Max, ps.StdDev, ps.Total)

	return errors.Join(s.errs...)
}

// worker builds linked lists rooted in persistents, keeps the last few
// alive and drops the rest.
func (s *stress) worker() {
	ts, err := s.rt.Attach()
	if err != nil {
		s.fail(err)
		return
	}
	defer ts.Detach()

	const keep = 4
	var lists []*heap.Persistent
	for !s.stop.Load() {
		root := ts.NewPersistent(0)
		for i := 0; i < *objects; i++ {
			n := ts.Allocate(uintptr(*size), s.node)
			*n.Slot(0) = root.Get()
			*n.Slot(8) = heap.Address(i)
			root.Set(n)
			if i%256 == 0 {
				ts.SafePoint(heap.NoHeapPointersOnStack)
			}
		}
		lists = append(lists, root)
		if len(lists) > keep {
			lists[0].Release()
			lists = lists[1:]
		}

		b := ts.AllocateVectorBacking(64, s.backing)
		if ts.BackingExpand(b, 512) {
			ts.BackingShrink(b, 512, 64)
		}
		ts.BackingFree(b)

		s.rounds.Add(1)
		ts.SafePoint(heap.NoHeapPointersOnStack)
	}

	for _, root := range lists {
		if err := s.check(root.Get()); err != nil {
			s.fail(errors.Wrapf(err, "thread %d", ts.ID()))
		}
		root.Release()
	}
}

// check walks a list built by worker.
func (s *stress) check(head heap.Address) error {
	want := *objects - 1
	for n := head; n != 0; n = *n.Slot(0) {
		if got := int(*n.Slot(8)); got != want {
			return errors.Newf("list node holds %d, want %d", got, want)
		}
		want--
	}
	if want != -1 {
		return errors.Newf("list is %d nodes short", want+1)
	}
	return nil
}

func (s *stress) fail(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *stress) writeArtifacts() error {
	if snap := s.rt.LastHeapSnapshot(); snap != nil {
		if *jsonOut != "" {
			if err := writeFile(*jsonOut, snap.WriteJSON); err != nil {
				return err
			}
		}
		if *pprofTo != "" {
			if err := writeFile(*pprofTo, snap.WriteProfile); err != nil {
				return err
			}
		}
	}
	if prof := s.rt.LastMarkingProfile(); prof != nil && *dotOut != "" {
		for _, c := range prof.Classes() {
			s.log.Info("marked class",
				zap.String("class", c.ClassName),
				zap.Int("count", c.Count),
				zap.Uintptr("size", c.Size),
				zap.Int("survivors", c.Survivors))
		}
		if err := writeFile(*dotOut, prof.WriteDot); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(name string, write func(io.Writer) error) error {
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrapf(err, "creating %s", name)
	}
	if err := write(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", name)
	}
	return errors.Wrapf(f.Close(), "closing %s", name)
}

package stress

import (
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/avollmer/reclaim/lib/epoch"
	"github.com/avollmer/reclaim/lib/genctx"
	"github.com/avollmer/reclaim/lib/memtree"
	"github.com/avollmer/reclaim/lib/util"
	gometrics "github.com/rcrowley/go-metrics"
)

// scenarioResult holds the outcome of one stress scenario
type scenarioResult struct {
	Name     string
	Ops      int64
	Freed    int64
	Leftover int64 // blocks released by the final Close rather than a sweep
	Duration time.Duration
	Rate1    float64 // 1-minute moving throughput at the end of the run
	RateMean float64
}

// block keeps one allocation alive while its pointer is tracked
type block struct {
	buf []byte
}

func (b *block) ptr() unsafe.Pointer {
	return unsafe.Pointer(&b.buf[0])
}

func newStressBlock(size int) *block {
	return &block{buf: make([]byte, size)}
}

// workerRand returns a per-worker RNG so workers don't serialize on a shared
// source
func workerRand() *rand.Rand {
	return rand.New(rand.NewSource(int64(util.GenerateSeed())))
}

// --------------------------------------------------------------------------
// Tree Scenario
// --------------------------------------------------------------------------

// runTreeScenario hammers a tracking tree with short-lived, TTL-stamped
// allocations while the adaptive sweeper reclaims behind the workers
func runTreeScenario(cfg *stressConfig, registry gometrics.Registry) (*scenarioResult, error) {
	opsMeter := gometrics.GetOrRegisterMeter("stress.tree.ops", registry)

	var freed atomic.Int64
	var alive sync.Map // uintptr -> *block, keeps tracked buffers reachable

	tree := memtree.NewTree(&memtree.Options{
		MinSweepInterval:  cfg.SweepMin,
		MaxSweepInterval:  cfg.SweepMax,
		PressureThreshold: cfg.PressureThreshold,
		Free: func(ptr unsafe.Pointer, size uintptr) {
			freed.Add(1)
			alive.Delete(uintptr(ptr))
		},
	})
	unregister := exposeMetrics(func(w http.ResponseWriter) { tree.WritePrometheus(w) })
	defer unregister()

	Logger.Infof("tree scenario: %d workers for %s", cfg.Workers, cfg.Duration)

	start := time.Now()
	deadline := start.Add(cfg.Duration)

	var wg sync.WaitGroup
	wg.Add(cfg.Workers)
	for w := 0; w < cfg.Workers; w++ {
		go func() {
			defer wg.Done()
			rng := workerRand()

			// each worker cycles its own window of live blocks
			window := make([]*memtree.Node, cfg.Spread)
			next := 0

			for time.Now().Before(deadline) {
				b := newStressBlock(cfg.BlockSize)

				var expiresAt uint64
				if cfg.TTLMax > 0 {
					expiresAt = memtree.Now() + uint64(rng.Int63n(int64(cfg.TTLMax)))
				}

				node, err := tree.Add(b.ptr(), uintptr(cfg.BlockSize), expiresAt, false)
				if err != nil {
					// a recycled address can still be tracked for one more
					// sweep; skip and move on
					continue
				}
				alive.Store(uintptr(b.ptr()), b)

				// retire the oldest block in the window by dropping its hold
				if old := window[next]; old != nil {
					old.Release()
				}
				window[next] = node
				next = (next + 1) % cfg.Spread

				opsMeter.Mark(1)
			}

			// drop the remaining holds so the final sweep can reclaim them
			for _, node := range window {
				node.Release()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// let the sweeper catch up, then account for what Close has to mop up
	time.Sleep(2 * cfg.SweepMin)
	leftover := tree.Info().TrackedNodes
	if err := tree.Close(); err != nil {
		return nil, err
	}

	snap := opsMeter.Snapshot()
	return &scenarioResult{
		Name:     "tree",
		Ops:      snap.Count(),
		Freed:    freed.Load(),
		Leftover: leftover,
		Duration: elapsed,
		Rate1:    snap.Rate1(),
		RateMean: snap.RateMean(),
	}, nil
}

// --------------------------------------------------------------------------
// Epoch Scenario
// --------------------------------------------------------------------------

// runEpochScenario runs readers through epoch-pinned critical sections while
// writers swap and retire the shared blocks and a single reclaimer loops
func runEpochScenario(cfg *stressConfig, registry gometrics.Registry) (*scenarioResult, error) {
	opsMeter := gometrics.GetOrRegisterMeter("stress.epoch.ops", registry)

	m := epoch.NewManager()
	unregister := exposeMetrics(func(w http.ResponseWriter) { m.WritePrometheus(w) })
	defer unregister()

	// the shared structure: a plane of hot-swappable blocks
	slots := make([]atomic.Pointer[block], cfg.Spread)
	for i := range slots {
		slots[i].Store(newStressBlock(cfg.BlockSize))
	}

	var freed atomic.Int64
	cleanup := func(unsafe.Pointer) { freed.Add(1) }

	// writers are a quarter of the workers, at least one
	writers := cfg.Workers / 4
	if writers == 0 {
		writers = 1
	}
	readers := cfg.Workers - writers
	if readers == 0 {
		readers = 1
	}

	Logger.Infof("epoch scenario: %d readers, %d writers for %s", readers, writers, cfg.Duration)

	start := time.Now()
	deadline := start.Add(cfg.Duration)
	stopReclaim := make(chan struct{})

	var reclaimWg sync.WaitGroup
	reclaimWg.Add(1)
	go func() {
		defer reclaimWg.Done()
		for {
			select {
			case <-stopReclaim:
				return
			default:
				if m.Reclaim() == 0 {
					time.Sleep(100 * time.Microsecond)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(readers + writers)
	for r := 0; r < readers; r++ {
		go func() {
			defer wg.Done()
			rng := workerRand()
			thread := m.RegisterThread()
			defer thread.Deregister()

			var sink byte
			for time.Now().Before(deadline) {
				thread.Enter()
				b := slots[rng.Intn(len(slots))].Load()
				// touch the block; without the pin this would be a
				// use-after-free race with the writers
				sink += b.buf[0]
				thread.Exit()
				opsMeter.Mark(1)
			}
			_ = sink
		}()
	}
	for w := 0; w < writers; w++ {
		go func() {
			defer wg.Done()
			rng := workerRand()

			for time.Now().Before(deadline) {
				i := rng.Intn(len(slots))
				old := slots[i].Swap(newStressBlock(cfg.BlockSize))
				if err := m.Retire(unsafe.Pointer(old), cleanup); err != nil {
					Logger.Errorf("retire failed: %v", err)
					return
				}
				opsMeter.Mark(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	close(stopReclaim)
	reclaimWg.Wait()

	// all readers are gone; a few final steps drain the remaining queues
	var leftover int64
	for i := 0; i < 3; i++ {
		m.Reclaim()
	}
	if pending := m.Info().PendingRetired; pending != 0 {
		leftover = pending
		Logger.Warningf("%d retirements still pending after final drain", pending)
	}

	snap := opsMeter.Snapshot()
	return &scenarioResult{
		Name:     "epoch",
		Ops:      snap.Count(),
		Freed:    freed.Load(),
		Leftover: leftover,
		Duration: elapsed,
		Rate1:    snap.Rate1(),
		RateMean: snap.RateMean(),
	}, nil
}

// --------------------------------------------------------------------------
// Generational Context Scenario
// --------------------------------------------------------------------------

// runGenctxScenario registers per-worker batches of blocks and lets the
// background rotator close the generations
func runGenctxScenario(cfg *stressConfig, registry gometrics.Registry) (*scenarioResult, error) {
	opsMeter := gometrics.GetOrRegisterMeter("stress.genctx.ops", registry)

	var freed atomic.Int64
	var alive sync.Map

	ctx := genctx.New(&genctx.Options{
		MinRotateInterval: cfg.SweepMin,
		MaxRotateInterval: cfg.SweepMax,
		Free: func(ptr unsafe.Pointer, size uintptr) {
			freed.Add(1)
			alive.Delete(uintptr(ptr))
		},
	})
	unregister := exposeMetrics(func(w http.ResponseWriter) { ctx.WritePrometheus(w) })
	defer unregister()

	ctx.ManualRotate(false)

	Logger.Infof("genctx scenario: %d workers for %s", cfg.Workers, cfg.Duration)

	start := time.Now()
	deadline := start.Add(cfg.Duration)

	var wg sync.WaitGroup
	wg.Add(cfg.Workers)
	for w := 0; w < cfg.Workers; w++ {
		go func() {
			defer wg.Done()

			batch := make([]*memtree.Node, 0, cfg.Spread)
			for time.Now().Before(deadline) {
				// fill a generation's worth of work
				for len(batch) < cfg.Spread && time.Now().Before(deadline) {
					b := newStressBlock(cfg.BlockSize)
					node, err := ctx.Register(b.ptr(), uintptr(cfg.BlockSize))
					if err != nil {
						continue
					}
					alive.Store(uintptr(b.ptr()), b)
					batch = append(batch, node)
					opsMeter.Mark(1)
				}

				// the unit of work completes, drop every hold and hand the
				// batch to the next rotation
				for _, node := range batch {
					node.Release()
				}
				batch = batch[:0]
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	epochs := ctx.Epoch()
	leftover := ctx.Info().Tree.TrackedNodes
	if err := ctx.Close(); err != nil {
		return nil, err
	}

	Logger.Infof("genctx scenario completed %d rotations", epochs)

	snap := opsMeter.Snapshot()
	return &scenarioResult{
		Name:     "genctx",
		Ops:      snap.Count(),
		Freed:    freed.Load(),
		Leftover: leftover,
		Duration: elapsed,
		Rate1:    snap.Rate1(),
		RateMean: snap.RateMean(),
	}, nil
}

package genctx

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/VictoriaMetrics/metrics"
	"github.com/avollmer/reclaim/lib/memtree"
	"github.com/lni/dragonboat/v4/logger"
)

// Logger is the logger instance used by this package
var Logger = logger.GetLogger("genctx")

const (
	defaultMinRotateInterval = 500 * time.Millisecond
	defaultMaxRotateInterval = 10 * time.Second
)

// Options configures a Context during initialization
type Options struct {
	MinRotateInterval time.Duration    // Lower bound of the background rotation cadence (0 = default: 500ms)
	MaxRotateInterval time.Duration    // Upper bound of the background rotation cadence (0 = default: 10s)
	Free              memtree.FreeFunc // Invoked for every block freed by a rotation (may be nil)
}

// Context is a generational allocation context. Registered blocks are swept
// only at rotation points, never in the background, unless the caller opts
// into the background rotator with ManualRotate(false).
//
// Thread-safety: all methods are safe for concurrent use.
type Context struct {
	tree *memtree.Tree

	epoch     atomic.Uint64
	lastSweep atomic.Uint64 // tick of the most recent rotation, 0 before the first

	manual      atomic.Bool
	minInterval atomic.Int64
	maxInterval atomic.Int64

	closed         atomic.Bool
	rotatorRunning atomic.Bool
	stop           chan struct{}
	wg             sync.WaitGroup

	set       *metrics.Set
	rotations *metrics.Counter
	freed     *metrics.Counter
}

// New creates a generational context with the specified options (optional).
// The context starts in manual rotation mode: nothing is reclaimed until the
// caller invokes Rotate or enables the background rotator.
func New(opts *Options) *Context {
	if opts == nil {
		opts = &Options{}
	}

	c := &Context{
		tree: memtree.NewTree(&memtree.Options{
			ManualCleanup: true,
			Free:          opts.Free,
		}),
		stop: make(chan struct{}),
		set:  metrics.NewSet(),
	}

	min := opts.MinRotateInterval
	if min <= 0 {
		min = defaultMinRotateInterval
	}
	max := opts.MaxRotateInterval
	if max < min {
		max = min
	}
	c.minInterval.Store(int64(min))
	c.maxInterval.Store(int64(max))
	c.manual.Store(true)

	c.rotations = c.set.NewCounter("genctx_rotations_total")
	c.freed = c.set.NewCounter("genctx_freed_blocks_total")
	c.set.NewGauge("genctx_epoch", func() float64 {
		return float64(c.epoch.Load())
	})
	c.set.NewGauge("genctx_tracked_blocks", func() float64 {
		return float64(c.tree.Info().TrackedNodes)
	})

	return c
}

// --------------------------------------------------------------------------
// Registration
// --------------------------------------------------------------------------

// Register tracks a block in the current generation. The block carries the
// caller's implicit hold and becomes reclaimable by the first rotation that
// observes it unreferenced.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Context) Register(ptr unsafe.Pointer, size uintptr) (*memtree.Node, error) {
	return c.tree.Add(ptr, size, 0, true)
}

// Find returns the node tracking ptr, or nil if the block is not (or no
// longer) tracked by this context
func (c *Context) Find(ptr unsafe.Pointer) *memtree.Node {
	return c.tree.FindNode(ptr)
}

// Tree exposes the underlying tracking tree for diagnostics and advanced
// per-node control (Acquire, Release, SetExpiry, Remove)
func (c *Context) Tree() *memtree.Tree {
	return c.tree
}

// --------------------------------------------------------------------------
// Rotation
// --------------------------------------------------------------------------

// Rotate closes the current generation: it advances the epoch counter and
// sweeps every block that is unreferenced. It returns the number of blocks
// freed. Rotation touches only this context's own tree; it never interferes
// with other contexts or reclamation schemes.
//
// Thread-safety: This method is thread-safe; concurrent rotations simply
// run as consecutive sweeps.
func (c *Context) Rotate() int {
	c.epoch.Add(1)
	freed := c.tree.PerformCleanup(memtree.Now())
	c.lastSweep.Store(memtree.Now())
	c.rotations.Inc()
	if freed > 0 {
		c.freed.Add(freed)
	}
	return freed
}

// ManualRotate switches between caller-driven and background rotation.
// Passing false starts the background rotator (once); passing true parks it
// again without stopping the goroutine. The context starts in manual mode.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Context) ManualRotate(enabled bool) {
	c.manual.Store(enabled)
	if !enabled {
		c.startRotator()
	}
}

// SetRotationIntervals adjusts the background rotation cadence. Values take
// effect on the rotator's next wake.
func (c *Context) SetRotationIntervals(min, max time.Duration) {
	if min <= 0 {
		min = defaultMinRotateInterval
	}
	if max < min {
		max = min
	}
	c.minInterval.Store(int64(min))
	c.maxInterval.Store(int64(max))
}

// startRotator launches the background rotation goroutine.
// A second call (or a call after Close) does nothing.
func (c *Context) startRotator() {
	if c.closed.Load() {
		return
	}
	if c.rotatorRunning.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.rotator()
	}
}

// rotator is the adaptive background rotation loop. Fruitless rotations
// double the cadence towards the maximum, fruitful ones reset it to the
// minimum. While manual mode is re-enabled the loop idles without rotating.
func (c *Context) rotator() {
	defer c.wg.Done()

	interval := c.minInterval.Load()

	for {
		sleep := interval
		if c.manual.Load() {
			sleep = c.maxInterval.Load()
		}

		timer := time.NewTimer(time.Duration(sleep))

		select {
		case <-c.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if c.manual.Load() {
			interval = c.maxInterval.Load()
			continue
		}

		if c.Rotate() > 0 {
			interval = c.minInterval.Load()
		} else {
			interval *= 2
			if max := c.maxInterval.Load(); interval > max {
				interval = max
			}
		}
	}
}

// --------------------------------------------------------------------------
// Lifecycle and Diagnostics
// --------------------------------------------------------------------------

// Close stops the rotator and destroys the underlying tree, synchronously
// freeing every still-registered block. Close is idempotent.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stop)
	c.wg.Wait()

	epochs := c.epoch.Load()
	if err := c.tree.Close(); err != nil {
		return err
	}
	Logger.Infof("generational context closed after %d epochs", epochs)
	return nil
}

// Epoch returns the number of completed rotations
func (c *Context) Epoch() uint64 {
	return c.epoch.Load()
}

// LastSweep returns the tick of the most recent rotation, 0 if none ran yet
func (c *Context) LastSweep() uint64 {
	return c.lastSweep.Load()
}

// ContextInfo is a point-in-time snapshot of a Context
type ContextInfo struct {
	Epoch          uint64           `json:"epoch"`
	LastSweep      uint64           `json:"last_sweep"`
	ManualRotation bool             `json:"manual_rotation"`
	Tree           memtree.TreeInfo `json:"tree"`
}

// Info returns statistics about the context.
// All values are estimates and may lag concurrent mutation.
func (c *Context) Info() ContextInfo {
	return ContextInfo{
		Epoch:          c.epoch.Load(),
		LastSweep:      c.lastSweep.Load(),
		ManualRotation: c.manual.Load(),
		Tree:           c.tree.Info(),
	}
}

// WritePrometheus writes the context's metrics in Prometheus text format,
// followed by the underlying tree's
func (c *Context) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
	c.tree.WritePrometheus(w)
}

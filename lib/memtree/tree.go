package memtree

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/VictoriaMetrics/metrics"
	"github.com/avollmer/reclaim/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("memtree")

// --------------------------------------------------------------------------
// Constants and Errors
// --------------------------------------------------------------------------

// Defaults for the adaptive sweep cadence and the pressure threshold
const (
	defaultMinSweepInterval  = 500 * time.Millisecond
	defaultMaxSweepInterval  = 10 * time.Second
	defaultPressureThreshold = 1024 * 1024 // 1MB
)

var (
	// ErrNilPointer is returned when a nil block pointer is passed to Add
	ErrNilPointer = errors.New("memtree: nil pointer")

	// ErrClosed is returned when the tree has been closed
	ErrClosed = errors.New("memtree: tree is closed")

	// ErrAlreadyTracked is returned when the pointer is already registered
	ErrAlreadyTracked = errors.New("memtree: pointer is already tracked")
)

// FreeFunc releases the physical block once the tree decides it is safe.
// A nil FreeFunc just drops the tree's reference to the block.
type FreeFunc func(ptr unsafe.Pointer, size uintptr)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a Tree during initialization
type Options struct {
	MinSweepInterval  time.Duration // Lower bound of the adaptive sweep interval (0 = default: 500ms)
	MaxSweepInterval  time.Duration // Upper bound of the adaptive sweep interval (0 = default: 10s)
	PressureThreshold int64         // Pressure in bytes that forces an out-of-band sweep (0 = default: 1MB)
	ManualCleanup     bool          // True disables the background sweeper entirely
	Free              FreeFunc      // Invoked for every physically freed block (may be nil)
}

// DefaultOptions returns the default Tree options
func DefaultOptions() *Options {
	return &Options{
		MinSweepInterval:  defaultMinSweepInterval,
		MaxSweepInterval:  defaultMaxSweepInterval,
		PressureThreshold: defaultPressureThreshold,
	}
}

// --------------------------------------------------------------------------
// Tree
// --------------------------------------------------------------------------

// Tree owns a linked set of tracked nodes plus the sweep policy state.
// See the package documentation for the reclamation contract.
type Tree struct {
	// list topology, deadline heap and node index; topology and heap are
	// mutated only under mu
	mu        sync.Mutex
	head      *Node
	deadlines *util.DeadlineHeap
	index     *xsync.MapOf[uintptr, *Node]

	// population counters and size distribution for diagnostics
	count atomic.Int64
	bytes atomic.Int64
	hist  *util.SizeHistogram

	// adaptive sweep tuning
	minInterval       atomic.Int64 // ns
	maxInterval       atomic.Int64 // ns
	pressure          atomic.Int64 // bytes, caller-supplied hint
	pressureThreshold atomic.Int64 // bytes
	manual            atomic.Bool

	free FreeFunc

	// sweeper lifecycle
	closed         atomic.Bool
	sweeperRunning atomic.Bool
	stop           chan struct{}
	wake           chan struct{}
	wg             sync.WaitGroup

	// metrics
	set           *metrics.Set
	sweeps        *metrics.Counter
	freedNodes    *metrics.Counter
	freedBytes    *metrics.Counter
	pressureWakes *metrics.Counter
}

// NewTree creates a new tracking tree with the specified options (optional).
// Unless manual cleanup is requested, the background sweeper is started
// immediately and stays alive until Close.
//
// Thread-safety: the returned tree is safe for concurrent use; this
// constructor itself is not meant to be raced.
func NewTree(opts *Options) *Tree {
	if opts == nil {
		opts = DefaultOptions()
	}

	// seed the pointer index hasher per instance, like every other hash
	// structure in this project
	seed := util.GenerateSeed()

	t := &Tree{
		deadlines: util.NewDeadlineHeap(),
		index: xsync.NewMapOfWithHasher[uintptr, *Node](func(key uintptr, mapSeed uint64) uint64 {
			// shift off alignment zero bits for better distribution
			return (uint64(key) >> 3) ^ mapSeed ^ seed
		}),
		hist: util.NewSizeHistogram(),
		free: opts.Free,
		stop: make(chan struct{}),
		wake: make(chan struct{}, 1),
		set:  metrics.NewSet(),
	}

	min := opts.MinSweepInterval
	if min <= 0 {
		min = defaultMinSweepInterval
	}
	max := opts.MaxSweepInterval
	if max < min {
		max = min
	}
	threshold := opts.PressureThreshold
	if threshold <= 0 {
		threshold = defaultPressureThreshold
	}

	t.minInterval.Store(int64(min))
	t.maxInterval.Store(int64(max))
	t.pressureThreshold.Store(threshold)
	t.manual.Store(opts.ManualCleanup)

	t.sweeps = t.set.NewCounter("memtree_sweeps_total")
	t.freedNodes = t.set.NewCounter("memtree_freed_nodes_total")
	t.freedBytes = t.set.NewCounter("memtree_freed_bytes_total")
	t.pressureWakes = t.set.NewCounter("memtree_pressure_wakes_total")
	t.set.NewGauge("memtree_tracked_nodes", func() float64 {
		return float64(t.count.Load())
	})
	t.set.NewGauge("memtree_tracked_bytes", func() float64 {
		return float64(t.bytes.Load())
	})
	t.set.NewGauge("memtree_garbage_pressure_bytes", func() float64 {
		return float64(t.pressure.Load())
	})

	if !opts.ManualCleanup {
		t.startSweeper()
	}

	return t
}

// --------------------------------------------------------------------------
// Registration and Lookup
// --------------------------------------------------------------------------

// Add registers a block with the tree. The initial reference count is 1 (the
// caller's implicit hold). The tree never mutates or frees ptr on this path;
// ownership of the physical block stays with the caller until a cleanup pass
// reclaims it.
//
// expiresAt is a tick from Now(): 0 expires the block as soon as it is
// unreferenced, Forever disables time-based expiry. isRoot is a diagnostic
// hint only.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Tree) Add(ptr unsafe.Pointer, size uintptr, expiresAt uint64, isRoot bool) (*Node, error) {
	if ptr == nil {
		return nil, ErrNilPointer
	}
	if t.closed.Load() {
		return nil, ErrClosed
	}

	n := &Node{
		ptr:       ptr,
		size:      size,
		expiresAt: expiresAt,
		isRoot:    isRoot,
		tree:      t,
	}
	n.refCount.Store(1)

	key := uintptr(ptr)

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := t.index.Load(key); exists {
		t.mu.Unlock()
		return nil, ErrAlreadyTracked
	}

	n.next = t.head
	if t.head != nil {
		t.head.prev = n
	}
	t.head = n
	t.index.Store(key, n)

	if expiresAt != 0 && expiresAt != Forever {
		t.deadlines.Add(uint64(key), expiresAt)
	}
	t.mu.Unlock()

	t.count.Add(1)
	t.bytes.Add(int64(size))
	t.hist.AddSample(uint64(size))

	return n, nil
}

// Remove detaches the node's bookkeeping without freeing the delegated block.
// For callers who free the block themselves. Removing a node that is not (or
// no longer) part of this tree is a no-op.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Tree) Remove(node *Node) {
	if node == nil || node.tree != t {
		return
	}

	t.mu.Lock()
	detached := t.detachLocked(node)
	t.mu.Unlock()

	if detached {
		t.count.Add(-1)
		t.bytes.Add(-int64(node.size))
		t.hist.RemoveSample(uint64(node.size))
	}
}

// FindNode looks up the tracking node for a delegated pointer.
// Used by diagnostics and tests; returns nil if the pointer is not tracked.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Tree) FindNode(ptr unsafe.Pointer) *Node {
	if ptr == nil {
		return nil
	}
	if n, ok := t.index.Load(uintptr(ptr)); ok {
		return n
	}
	return nil
}

// detachLocked unlinks the node from the list, index and deadline heap.
// Returns false if the node was already detached. Caller must hold t.mu.
func (t *Tree) detachLocked(n *Node) bool {
	key := uintptr(n.ptr)
	cur, ok := t.index.Load(key)
	if !ok || cur != n {
		return false
	}

	t.index.Delete(key)
	t.deadlines.Remove(uint64(key))

	if n.prev != nil {
		n.prev.next = n.next
	} else {
		t.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.prev = nil
	n.next = nil
	return true
}

// --------------------------------------------------------------------------
// Expiry Updates
// --------------------------------------------------------------------------

// SetExpiry updates the expiry tick of a tracked node and reschedules it in
// the sweep deadline index. A no-op if the node was already detached.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (n *Node) SetExpiry(expiresAt uint64) {
	if n == nil || n.tree == nil {
		return
	}
	t := n.tree

	// tree lock before node lock, per the global lock order
	t.mu.Lock()
	n.mu.Lock()
	n.expiresAt = expiresAt
	n.mu.Unlock()

	key := uintptr(n.ptr)
	if cur, ok := t.index.Load(key); ok && cur == n {
		if expiresAt != 0 && expiresAt != Forever {
			t.deadlines.Add(uint64(key), expiresAt)
		} else {
			t.deadlines.Remove(uint64(key))
		}
	}
	t.mu.Unlock()

	t.signalWake()
}

// --------------------------------------------------------------------------
// Sweep Tuning
// --------------------------------------------------------------------------

// SetCleaningIntervals sets the min and max bounds of the adaptive sweep
// interval. The sweeper starts at the minimum and doubles towards the maximum
// while it finds nothing to free.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Tree) SetCleaningIntervals(min, max time.Duration) {
	if min <= 0 {
		min = defaultMinSweepInterval
	}
	if max < min {
		max = min
	}
	t.minInterval.Store(int64(min))
	t.maxInterval.Store(int64(max))
	t.signalWake()
}

// SetPressureThreshold sets the garbage pressure score (in bytes) that forces
// an out-of-band sweep instead of waiting out the backoff interval.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Tree) SetPressureThreshold(bytes int64) {
	if bytes <= 0 {
		bytes = defaultPressureThreshold
	}
	t.pressureThreshold.Store(bytes)
}

// ReportPressure adds a caller-supplied estimate of reclaimable bytes to the
// garbage pressure score. The score is a hint, not an exact count; crossing
// the threshold wakes the sweeper immediately.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Tree) ReportPressure(amount int64) {
	if amount <= 0 || t.closed.Load() {
		return
	}
	if t.pressure.Add(amount) >= t.pressureThreshold.Load() {
		t.pressureWakes.Inc()
		t.signalWake()
	}
}

// GarbagePressure returns the current pressure score in bytes
func (t *Tree) GarbagePressure() int64 {
	return t.pressure.Load()
}

// SetManualCleanup toggles the background sweeper. With manual cleanup
// enabled no sweep ever runs except via an explicit PerformCleanup call,
// regardless of elapsed time or reported pressure.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Tree) SetManualCleanup(enabled bool) {
	t.manual.Store(enabled)
	if !enabled {
		t.startSweeper()
	}
	t.signalWake()
}

// --------------------------------------------------------------------------
// Cleanup
// --------------------------------------------------------------------------

// PerformCleanup walks the node list once under the structural lock, unlinks
// every node with ref_count == 0 whose expiry has passed at the given tick,
// and frees the delegated blocks outside the lock. The pressure score is
// reduced by the freed bytes. Returns the number of nodes freed.
//
// The pass is bounded by the current list length; it is a short local pause,
// not a stop-the-world.
//
// Thread-safety: This method is thread-safe and can be called concurrently,
// though it is normally driven by a single maintenance path.
func (t *Tree) PerformCleanup(now uint64) int {
	if t == nil || t.closed.Load() {
		return 0
	}

	var toFree []*Node

	t.mu.Lock()
	for n := t.head; n != nil; {
		next := n.next

		n.mu.Lock()
		eligible := n.refCount.Load() == 0 && n.expiredLocked(now)
		n.mu.Unlock()

		if eligible {
			t.detachLocked(n)
			toFree = append(toFree, n)
		}
		n = next
	}
	t.mu.Unlock()

	// Free collected blocks outside the structural lock
	var freedBytes int64
	for _, n := range toFree {
		if t.free != nil {
			t.free(n.ptr, n.size)
		}
		freedBytes += int64(n.size)
		t.hist.RemoveSample(uint64(n.size))
	}

	if len(toFree) > 0 {
		t.count.Add(-int64(len(toFree)))
		t.bytes.Add(-freedBytes)
		t.subPressure(freedBytes)
		t.freedNodes.Add(len(toFree))
		t.freedBytes.Add(int(freedBytes))
	}
	t.sweeps.Inc()

	return len(toFree)
}

// subPressure lowers the pressure score by the freed amount, floored at zero
func (t *Tree) subPressure(amount int64) {
	for {
		old := t.pressure.Load()
		sub := amount
		if sub > old {
			sub = old
		}
		if t.pressure.CompareAndSwap(old, old-sub) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Background Sweeper
// --------------------------------------------------------------------------

// signalWake nudges the sweeper without blocking the caller
func (t *Tree) signalWake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// startSweeper launches the background sweep goroutine.
// A second call (or a call after Close) does nothing.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Tree) startSweeper() {
	if t.closed.Load() {
		return
	}
	if t.sweeperRunning.CompareAndSwap(false, true) {
		t.wg.Add(1)
		go t.sweeper()
	}
}

// sweeper is the adaptive background sweep loop. It sleeps for the current
// backoff interval (bounded by the earliest pending time-based expiry), runs
// a cleanup pass on every wake, and adjusts the interval: fruitless sweeps
// double it towards the maximum, a fruitful or pressure-triggered wake resets
// it to the minimum. In manual mode the loop idles without sweeping.
func (t *Tree) sweeper() {
	defer t.wg.Done()

	interval := t.minInterval.Load()

	for {
		sleep := interval
		if t.manual.Load() {
			sleep = t.maxInterval.Load()
		} else if next, ok := t.nextDeadline(); ok {
			// don't oversleep the earliest time-based expiry
			now := Now()
			if next <= now {
				sleep = t.minInterval.Load()
			} else if remaining := int64(next - now); remaining < sleep {
				sleep = remaining
			}
		}

		timer := time.NewTimer(time.Duration(sleep))
		triggered := false

		select {
		case <-t.stop:
			timer.Stop()
			return
		case <-t.wake:
			timer.Stop()
			triggered = true
		case <-timer.C:
		}

		if t.manual.Load() {
			// no sweep in manual mode; park at the maximum interval
			interval = t.maxInterval.Load()
			continue
		}

		freed := t.PerformCleanup(Now())

		if freed > 0 || triggered {
			interval = t.minInterval.Load()
		} else {
			interval *= 2
			if max := t.maxInterval.Load(); interval > max {
				interval = max
			}
		}
	}
}

// nextDeadline returns the earliest time-based expiry among tracked nodes
func (t *Tree) nextDeadline() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadlines.Next()
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Close stops the sweeper and synchronously frees every still-registered
// node and its delegated block, so an orderly shutdown leaks nothing.
// Close is idempotent.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(t.stop)
	t.wg.Wait()

	t.mu.Lock()
	head := t.head
	t.head = nil
	t.index.Clear()
	t.deadlines = util.NewDeadlineHeap()
	t.mu.Unlock()

	freed := 0
	var freedBytes int64
	for n := head; n != nil; {
		next := n.next
		n.prev = nil
		n.next = nil
		if t.free != nil {
			t.free(n.ptr, n.size)
		}
		freedBytes += int64(n.size)
		freed++
		n = next
	}

	t.count.Store(0)
	t.bytes.Store(0)
	t.pressure.Store(0)

	if freed > 0 {
		Logger.Infof("freed %d remaining tracked blocks (%d bytes) on close", freed, freedBytes)
	}
	return nil
}

// --------------------------------------------------------------------------
// Diagnostics
// --------------------------------------------------------------------------

// TreeInfo is a point-in-time snapshot of the tree's population and policy
type TreeInfo struct {
	TrackedNodes      int64  `json:"tracked_nodes"`
	TrackedBytes      int64  `json:"tracked_bytes"`
	GarbagePressure   int64  `json:"garbage_pressure"`
	PressureThreshold int64  `json:"pressure_threshold"`
	ManualCleanup     bool   `json:"manual_cleanup"`
	AverageBlockSize  uint64 `json:"average_block_size"`
	MedianBlockSize   uint64 `json:"median_block_size"`
	NextDeadline      uint64 `json:"next_deadline"` // 0 if no time-based expiry is pending
}

// Info returns statistics about the tree.
// All values are estimates and may lag concurrent mutation.
func (t *Tree) Info() TreeInfo {
	next, _ := t.nextDeadline()
	return TreeInfo{
		TrackedNodes:      t.count.Load(),
		TrackedBytes:      t.bytes.Load(),
		GarbagePressure:   t.pressure.Load(),
		PressureThreshold: t.pressureThreshold.Load(),
		ManualCleanup:     t.manual.Load(),
		AverageBlockSize:  t.hist.AverageSize(),
		MedianBlockSize:   t.hist.MedianEstimate(),
		NextDeadline:      next,
	}
}

// WritePrometheus writes the tree's metrics in Prometheus text format
func (t *Tree) WritePrometheus(w io.Writer) {
	t.set.WritePrometheus(w)
}

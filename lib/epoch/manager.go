package epoch

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/VictoriaMetrics/metrics"
	"github.com/avollmer/reclaim/lib/util"
	"github.com/lni/dragonboat/v4/logger"
)

// Logger is the logger instance used by this package
var Logger = logger.GetLogger("epoch")

// numQueues is the number of rotating retirement queues. Three is the
// minimum that keeps a drained queue two full epoch advances away from the
// queue currently being retired into.
const numQueues = 3

var (
	// ErrNilPointer is returned when a nil block is retired
	ErrNilPointer = errors.New("pointer must not be nil")
	// ErrNilCleanup is returned when a retirement carries no cleanup callback
	ErrNilCleanup = errors.New("cleanup callback must not be nil")
)

// CleanupFunc releases a retired block once no reader can still hold it
type CleanupFunc func(ptr unsafe.Pointer)

// retired is one deferred free waiting out its grace period
type retired struct {
	ptr     unsafe.Pointer
	cleanup CleanupFunc
}

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager coordinates epoch-based reclamation for one family of shared
// structures. It owns the global epoch counter, the rotating retirement
// queues and the registry of reader handles.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	global atomic.Uint64

	// queues[e mod numQueues] holds the blocks retired while the global
	// epoch was e
	queues [numQueues]util.LockFreeStack[retired]

	// registry of every handle ever registered; entries are never removed,
	// deregistered handles are just skipped
	registry util.LockFreeStack[Thread]

	// serializes reclamation; contenders bail instead of queueing
	reclaimMu sync.Mutex

	retiredCount atomic.Int64

	set          *metrics.Set
	retiredTotal *metrics.Counter
	reclaimed    *metrics.Counter
	advances     *metrics.Counter
	stalled      *metrics.Counter
}

// NewManager creates a new reclamation manager with epoch zero and empty
// queues.
func NewManager() *Manager {
	m := &Manager{set: metrics.NewSet()}

	m.retiredTotal = m.set.NewCounter("epoch_retired_total")
	m.reclaimed = m.set.NewCounter("epoch_reclaimed_total")
	m.advances = m.set.NewCounter("epoch_advances_total")
	m.stalled = m.set.NewCounter("epoch_stalled_reclaims_total")
	m.set.NewGauge("epoch_global", func() float64 {
		return float64(m.global.Load())
	})
	m.set.NewGauge("epoch_pending_retired", func() float64 {
		return float64(m.retiredCount.Load())
	})
	m.set.NewGauge("epoch_registered_threads", func() float64 {
		return float64(m.registry.Len())
	})

	return m
}

// Epoch returns the current global epoch
func (m *Manager) Epoch() uint64 {
	return m.global.Load()
}

// --------------------------------------------------------------------------
// Registration
// --------------------------------------------------------------------------

// NewThread creates an unregistered reader handle bound to this manager.
// The handle registers itself on the first Enter, so explicitly calling
// Register is optional.
func (m *Manager) NewThread() *Thread {
	return &Thread{mgr: m}
}

// RegisterThread creates and immediately registers a reader handle
func (m *Manager) RegisterThread() *Thread {
	t := m.NewThread()
	t.Register()
	return t
}

// register adds a handle to the registry exactly once
func (m *Manager) register(t *Thread) {
	m.registry.Push(t)
}

// --------------------------------------------------------------------------
// Retire and Reclaim
// --------------------------------------------------------------------------

// Retire hands a block over to the manager for deferred release. The caller
// must already have unlinked the block from every shared structure; readers
// that entered before the unlink may still hold the pointer, which is
// exactly the window the grace period covers. cleanup runs from a later
// Reclaim call, on the reclaiming goroutine.
//
// Thread-safety: This method is thread-safe and can be called concurrently,
// including from inside a reader's critical section.
func (m *Manager) Retire(ptr unsafe.Pointer, cleanup CleanupFunc) error {
	if ptr == nil {
		return ErrNilPointer
	}
	if cleanup == nil {
		return ErrNilCleanup
	}

	// a stale epoch read here is harmless: it can only land the block in
	// an older queue, which is drained no sooner than its own
	bucket := m.global.Load() % numQueues
	m.queues[bucket].Push(&retired{ptr: ptr, cleanup: cleanup})
	m.retiredCount.Add(1)
	m.retiredTotal.Inc()
	return nil
}

// Reclaim attempts one reclamation step: if every active reader has observed
// the current epoch, the oldest retirement queue is drained, the epoch is
// advanced and the drained cleanups are run. It returns the number of blocks
// released.
//
// A return of 0 means no progress was possible right now, either because a
// reader is still pinned in an older epoch, because another Reclaim is in
// flight, or because the drained queue was empty. Callers retry later.
//
// Thread-safety: This method is thread-safe; concurrent calls do not stack
// up behind each other.
func (m *Manager) Reclaim() int {
	if !m.reclaimMu.TryLock() {
		return 0
	}
	defer m.reclaimMu.Unlock()

	current := m.global.Load()

	// every active reader must have caught up to the current epoch,
	// otherwise it may still hold pointers retired two epochs ago
	caughtUp := true
	m.registry.Range(func(t *Thread) bool {
		if t.active.Load() && t.localEpoch.Load() != current {
			caughtUp = false
			return false
		}
		return true
	})
	if !caughtUp {
		m.stalled.Inc()
		return 0
	}

	// drain the successor queue before publishing the new epoch so no
	// concurrent Retire can push into it while it is being emptied
	drained := m.queues[(current+1)%numQueues].Swap()
	m.global.CompareAndSwap(current, current+1)
	m.advances.Inc()

	for _, r := range drained {
		r.cleanup(r.ptr)
	}
	if len(drained) > 0 {
		m.retiredCount.Add(int64(-len(drained)))
		m.reclaimed.Add(len(drained))
		Logger.Debugf("reclaimed %d retired blocks entering epoch %d", len(drained), current+1)
	}
	return len(drained)
}

// --------------------------------------------------------------------------
// Diagnostics
// --------------------------------------------------------------------------

// ManagerInfo is a point-in-time snapshot of a Manager
type ManagerInfo struct {
	GlobalEpoch       uint64 `json:"global_epoch"`
	RegisteredThreads int    `json:"registered_threads"`
	ActiveThreads     int    `json:"active_threads"`
	PendingRetired    int64  `json:"pending_retired"`
}

// Info returns statistics about the manager.
// All values are estimates and may lag concurrent mutation.
func (m *Manager) Info() ManagerInfo {
	info := ManagerInfo{
		GlobalEpoch:    m.global.Load(),
		PendingRetired: m.retiredCount.Load(),
	}
	m.registry.Range(func(t *Thread) bool {
		info.RegisteredThreads++
		if t.active.Load() {
			info.ActiveThreads++
		}
		return true
	})
	return info
}

// WritePrometheus writes the manager's metrics in Prometheus text format
func (m *Manager) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

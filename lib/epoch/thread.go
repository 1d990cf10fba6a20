package epoch

import "sync/atomic"

// Thread is a per-worker reader handle. A goroutine that traverses shared
// structures guarded by a Manager brackets each traversal with Enter and
// Exit on its own handle.
//
// Thread-safety: a handle belongs to one goroutine; Enter, Exit and
// Deregister must not be raced on the same handle. The manager reads the
// handle's fields concurrently, which is what the atomics are for.
type Thread struct {
	mgr *Manager

	// localEpoch is the global epoch this reader observed on Enter; only
	// meaningful while active
	localEpoch atomic.Uint64

	// active marks an in-flight critical section
	active atomic.Bool

	registered   atomic.Bool
	deregistered atomic.Bool
}

// Register adds the handle to its manager's registry. Registering an already
// registered or deregistered handle is a no-op, so callers may register
// defensively.
func (t *Thread) Register() {
	if t.deregistered.Load() {
		return
	}
	if t.registered.CompareAndSwap(false, true) {
		t.mgr.register(t)
	}
}

// Enter opens a critical section: until the matching Exit, every pointer the
// caller loads from a guarded structure stays valid even if concurrently
// retired. Enter registers the handle if needed. Entering a deregistered
// handle is a no-op and confers no protection.
//
// Critical sections must be short; a reader that lingers pins the epoch and
// stalls all reclamation.
func (t *Thread) Enter() {
	if t.deregistered.Load() {
		return
	}
	if !t.registered.Load() {
		t.Register()
	}

	// publish activity before sampling the epoch: a reclaimer that misses
	// the sampled value must at least see the reader as active
	t.active.Store(true)
	t.localEpoch.Store(t.mgr.global.Load())
}

// Exit closes the critical section opened by Enter. After Exit the caller
// must not dereference pointers obtained inside the section.
func (t *Thread) Exit() {
	t.active.Store(false)
}

// Active reports whether the handle is inside a critical section
func (t *Thread) Active() bool {
	return t.active.Load()
}

// Epoch returns the epoch the handle observed on its last Enter
func (t *Thread) Epoch() uint64 {
	return t.localEpoch.Load()
}

// Deregister permanently retires the handle. Its registry entry remains but
// is ignored by Reclaim from now on; the handle cannot be reused.
func (t *Thread) Deregister() {
	t.deregistered.Store(true)
	t.active.Store(false)
}

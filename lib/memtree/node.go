package memtree

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Node represents one tracked block. It is created by Tree.Add with a
// reference count of 1 (the creator's implicit hold) and freed by a cleanup
// pass once the count reaches zero and the expiry tick has passed.
type Node struct {
	ptr    unsafe.Pointer
	size   uintptr
	isRoot bool

	// expiresAt is guarded by mu; the tree lock is always taken first
	// when both are needed
	mu        sync.Mutex
	expiresAt uint64

	refCount atomic.Int64

	// intrusive links, guarded by the owning tree's structural lock
	prev, next *Node
	tree       *Tree
}

// Ptr returns the delegated pointer of the tracked block
func (n *Node) Ptr() unsafe.Pointer {
	if n == nil {
		return nil
	}
	return n.ptr
}

// Size returns the size of the tracked block in bytes
func (n *Node) Size() uintptr {
	if n == nil {
		return 0
	}
	return n.size
}

// IsRoot reports the caller-supplied root hint. The hint is informational
// (diagnostics) and implies no structural parent/child relation.
func (n *Node) IsRoot() bool {
	if n == nil {
		return false
	}
	return n.isRoot
}

// RefCount returns the current number of logical holders
func (n *Node) RefCount() int64 {
	if n == nil {
		return 0
	}
	return n.refCount.Load()
}

// ExpiresAt returns the node's expiry tick
func (n *Node) ExpiresAt() uint64 {
	if n == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.expiresAt
}

// Acquire atomically increments the reference count, registering another
// logical holder of the block. Callers own the pairing discipline with
// Release; there is no timeout or cancellation on either.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (n *Node) Acquire() {
	if n == nil {
		return
	}
	n.refCount.Add(1)
}

// Release atomically decrements the reference count. When the count reaches
// zero the node becomes eligible for cleanup; the physical free is deferred
// to the next sweep that observes the node both unreferenced and expired.
// Dropping the last hold reports the block's size as garbage pressure so an
// eligible block can trigger an out-of-band sweep.
//
// Releasing more often than acquiring is a contract violation and leaves the
// count negative; such a node is never freed by a sweep.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (n *Node) Release() {
	if n == nil {
		return
	}
	if n.refCount.Add(-1) == 0 {
		if n.tree != nil {
			n.tree.ReportPressure(int64(n.size))
		}
	}
}

// expired reports whether the node is past its expiry at the given tick.
// Caller must hold n.mu.
func (n *Node) expiredLocked(now uint64) bool {
	return n.expiresAt != Forever && now >= n.expiresAt
}

// Package memtree implements a concurrency-safe, time-bounded tracking
// substrate that sits beneath an ordinary allocator. Every tracked block is
// wrapped in a reference-counted, TTL-stamped node; the physical free of the
// block is deferred until the node is both unreferenced and expired, and is
// then performed by a cleanup pass rather than on the hot release path.
//
// The package focuses on:
//   - Cheap, lock-free Acquire/Release on the hot path (a single atomic op)
//   - Deterministic reclamation: a block is freed only when ref_count == 0
//     and its expiry tick has passed, and no later than the next cleanup
//     pass that observes that state
//   - An adaptive background sweeper that backs off towards a maximum
//     interval while idle and is woken out of band by garbage pressure
//   - O(1) pointer lookup for diagnostics via a sharded concurrent map
//
// Key Components:
//
//   - Tree: owns the set of tracked nodes, the structural lock, the sweep
//     goroutine and the tuning knobs (min/max sweep interval, pressure
//     threshold, manual mode). Destroying a tree synchronously frees every
//     still-registered block, so an orderly shutdown leaks nothing.
//
//   - Node: one tracked block. Holds the delegated pointer, its size, the
//     expiry tick and an atomic reference count. Nodes belong to exactly one
//     tree and appear in its list exactly once. Release never frees
//     synchronously; it only makes the node eligible for the next sweep,
//     which calling code can rely on ("maybe still tracked" until then).
//
//   - Sweeper: a goroutine waiting on a wake channel with an adaptive
//     timeout. Fruitless sweeps double the interval towards the maximum;
//     a pressure-triggered or fruitful wake resets it to the minimum. The
//     sleep is additionally bounded by the earliest pending time-based
//     expiry so short TTLs are honored promptly.
//
// Lock discipline: the tree's structural lock is always acquired before any
// per-node lock, never the reverse. The reference count is atomic and is
// never touched under either lock.
//
// Time is expressed in monotonic ticks (nanoseconds) as returned by Now().
// An expiry of 0 means "expire as soon as unreferenced"; Forever means the
// block never expires by time alone.
package memtree

// Package epoch implements epoch-based reclamation (EBR) for lock-free data
// structures. Readers pin the global epoch while they traverse shared memory;
// writers retire blocks they have unlinked instead of freeing them, and a
// reclaimer frees a retired block only once every pinned reader has provably
// moved past the epoch in which the block was retired.
//
// The scheme uses three retirement queues rotating with the global epoch.
// A block retired in epoch E goes into queue E mod 3. Because the epoch can
// only advance when every active reader has caught up to it, a queue is at
// least two advances old by the time it is drained, so no reader can still
// hold a pointer into it.
//
// Key Components:
//
//   - Manager: owns the global epoch counter, the three retirement queues
//     and the reader registry. One Manager guards one family of shared
//     structures; independent structures can use independent Managers.
//
//   - Thread: a per-worker handle. Each goroutine participating as a reader
//     registers once and then brackets its critical sections with Enter and
//     Exit. The handle is not safe for concurrent use by multiple
//     goroutines; everything on the Manager is.
//
//   - Reclaim: drains the oldest queue if and only if every active reader
//     has observed the current epoch. Reclaim never blocks on readers; it
//     simply reports zero progress and the caller retries later. Concurrent
//     Reclaim calls do not contend: only one proceeds, the rest return
//     immediately.
//
// Deregistered handles stay in the registry as permanently inactive entries
// and are skipped by Reclaim. Workers are expected to be long-lived, so the
// registry only ever grows by the number of distinct handles created.
package epoch

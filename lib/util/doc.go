// Package util provides shared low-level helpers for the reclamation
// packages: a lock-free Treiber stack used for retirement queues and the
// thread registry, a deadline min-heap used by the tracking tree's sweeper,
// and a size histogram used for diagnostics.
//
// Nothing in this package is specific to one consumer; everything here is
// policy-free mechanism.
package util

// Package genctx implements a generational allocation context on top of the
// memtree tracking substrate. Blocks registered with a context belong to the
// current generation; a rotation closes the generation by bumping the epoch
// counter and sweeping every block that is both unreferenced and expired.
//
// The context owns a tree in manual mode, so nothing is ever freed behind
// the caller's back: reclamation happens exactly at rotation points. This
// gives request- or frame-oriented workloads a natural contract, register
// everything a unit of work allocates, drop the holds as the work completes,
// and rotate at the unit boundary.
//
// Callers that prefer wall-clock rotation can hand control to a background
// rotator with ManualRotate(false). The rotator uses the same adaptive
// cadence as the tree sweeper, rotating often while rotations are fruitful
// and backing off towards a maximum interval while they are not.
package genctx

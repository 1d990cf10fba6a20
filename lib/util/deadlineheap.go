// Package util
//
// This file provides a specialized priority queue for expiry tracking.
//
// The implementation combines a binary min-heap with a hash map so the sweep
// path can ask "what is the earliest deadline?" in O(1) while still allowing
// O(log n) removal of an arbitrary entry when its block is detached or freed
// out of band.
//
// Concurrency: this type is not thread-safe; callers synchronize externally
// (the tracking tree holds its structural lock around every heap operation).
package util

import (
	"container/heap"
	"strconv"
)

// deadline is one entry in the queue: a caller-chosen key (the tracked
// pointer, in practice) and the tick at which it expires.
type deadline struct {
	Key   uint64 // Unique identifier for the entry
	Tick  uint64 // Expiry tick, used as the heap priority
	index int    // Index in the heap, maintained by the heap package
}

func (d *deadline) String() string {
	return "{Key: " + strconv.FormatUint(d.Key, 10) + ", Tick: " + strconv.FormatUint(d.Tick, 10) + "}"
}

// DeadlineHeap is a min-heap of expiry deadlines with key-based access.
type DeadlineHeap struct {
	items    []*deadline          // The actual heap slice
	itemsMap map[uint64]*deadline // Map for O(1) access by key
}

// NewDeadlineHeap creates a new, empty deadline heap
func NewDeadlineHeap() *DeadlineHeap {
	return &DeadlineHeap{
		items:    make([]*deadline, 0),
		itemsMap: make(map[uint64]*deadline),
	}
}

// Len returns the number of entries (part of heap.Interface)
func (dh *DeadlineHeap) Len() int { return len(dh.items) }

// Less orders entries by expiry tick, earliest first (part of heap.Interface)
func (dh *DeadlineHeap) Less(i, j int) bool {
	return dh.items[i].Tick < dh.items[j].Tick
}

// Swap exchanges entries at positions i and j (part of heap.Interface)
func (dh *DeadlineHeap) Swap(i, j int) {
	dh.items[i], dh.items[j] = dh.items[j], dh.items[i]
	dh.items[i].index = i
	dh.items[j].index = j
}

// Push adds an entry to the heap (part of heap.Interface)
func (dh *DeadlineHeap) Push(x interface{}) {
	n := len(dh.items)
	entry := x.(*deadline)
	entry.index = n
	dh.items = append(dh.items, entry)
	dh.itemsMap[entry.Key] = entry
}

// Pop removes and returns the earliest entry (part of heap.Interface)
func (dh *DeadlineHeap) Pop() interface{} {
	old := dh.items
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil   // Avoid memory leak
	entry.index = -1 // For safety
	dh.items = old[:n-1]
	delete(dh.itemsMap, entry.Key)
	return entry
}

// Add inserts a deadline or updates the tick of an existing key
func (dh *DeadlineHeap) Add(key, tick uint64) {
	if entry, exists := dh.itemsMap[key]; exists {
		entry.Tick = tick
		heap.Fix(dh, entry.index)
		return
	}

	heap.Push(dh, &deadline{Key: key, Tick: tick})
}

// Remove drops the entry with the given key.
// It returns the entry's tick and whether the key was present.
func (dh *DeadlineHeap) Remove(key uint64) (uint64, bool) {
	entry, exists := dh.itemsMap[key]
	if !exists {
		return 0, false
	}

	heap.Remove(dh, entry.index)
	return entry.Tick, true
}

// Next returns the earliest deadline tick without removing it.
// The second return value is false if the heap is empty.
func (dh *DeadlineHeap) Next() (uint64, bool) {
	if len(dh.items) == 0 {
		return 0, false
	}
	return dh.items[0].Tick, true
}

// Contains checks whether a key is scheduled
func (dh *DeadlineHeap) Contains(key uint64) bool {
	_, exists := dh.itemsMap[key]
	return exists
}

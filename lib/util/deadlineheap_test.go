package util

import (
	"sort"
	"testing"
)

// TestNewDeadlineHeap tests the creation of a new DeadlineHeap
func TestNewDeadlineHeap(t *testing.T) {
	dh := NewDeadlineHeap()

	if dh == nil {
		t.Fatal("NewDeadlineHeap() returned nil")
	}

	if dh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", dh.Len())
	}

	if _, ok := dh.Next(); ok {
		t.Error("Next() on empty heap should report no deadline")
	}
}

// TestDeadlineAdd tests adding deadlines to the heap
func TestDeadlineAdd(t *testing.T) {
	dh := NewDeadlineHeap()

	dh.Add(1, 100)
	dh.Add(2, 200)
	dh.Add(3, 50)

	if dh.Len() != 3 {
		t.Errorf("Heap should have 3 entries, but has %d", dh.Len())
	}

	for _, key := range []uint64{1, 2, 3} {
		if !dh.Contains(key) {
			t.Errorf("Heap should contain key %d", key)
		}
	}

	tick, ok := dh.Next()
	if !ok {
		t.Fatal("Next() should report a deadline")
	}
	if tick != 50 {
		t.Errorf("Expected earliest deadline 50, got %d", tick)
	}

	// Updating an existing key must re-order the heap
	dh.Add(3, 300)
	tick, _ = dh.Next()
	if tick != 100 {
		t.Errorf("Expected earliest deadline 100 after update, got %d", tick)
	}
	if dh.Len() != 3 {
		t.Errorf("Update should not change length, got %d", dh.Len())
	}
}

// TestDeadlineRemove tests key-based removal
func TestDeadlineRemove(t *testing.T) {
	dh := NewDeadlineHeap()

	dh.Add(1, 100)
	dh.Add(2, 200)

	tick, ok := dh.Remove(1)
	if !ok {
		t.Fatal("Remove(1) should succeed")
	}
	if tick != 100 {
		t.Errorf("Expected removed tick 100, got %d", tick)
	}
	if dh.Contains(1) {
		t.Error("Heap should no longer contain key 1")
	}
	if dh.Len() != 1 {
		t.Errorf("Expected 1 entry left, got %d", dh.Len())
	}

	if _, ok := dh.Remove(42); ok {
		t.Error("Remove of unknown key should report false")
	}
}

// TestDeadlineOrdering verifies deadlines surface in tick order
func TestDeadlineOrdering(t *testing.T) {
	dh := NewDeadlineHeap()

	ticks := []uint64{500, 20, 310, 42, 99, 7, 1000}
	for i, tick := range ticks {
		dh.Add(uint64(i), tick)
	}

	sorted := make([]uint64, len(ticks))
	copy(sorted, ticks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, want := range sorted {
		got, ok := dh.Next()
		if !ok {
			t.Fatal("Next() should report a deadline")
		}
		if got != want {
			t.Errorf("Expected next deadline %d, got %d", want, got)
		}
		// Pop by locating the key with this tick
		popped := false
		for i, tick := range ticks {
			if tick == got {
				if _, ok := dh.Remove(uint64(i)); ok {
					popped = true
					ticks[i] = 0 // don't match again
					break
				}
			}
		}
		if !popped {
			t.Fatalf("Could not remove entry with tick %d", got)
		}
	}

	if dh.Len() != 0 {
		t.Errorf("Heap should be empty, has %d entries", dh.Len())
	}
}

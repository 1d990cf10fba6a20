package genctx

import (
	"sync/atomic"
	"testing"
	"time"
	"unsafe"
)

func newBlock(size int) (unsafe.Pointer, []byte) {
	buf := make([]byte, size)
	return unsafe.Pointer(&buf[0]), buf
}

// TestRotateAdvancesEpoch verifies rotations count even on an empty context
func TestRotateAdvancesEpoch(t *testing.T) {
	ctx := New(nil)
	defer ctx.Close()

	for i := 0; i < 5; i++ {
		if freed := ctx.Rotate(); freed != 0 {
			t.Errorf("Empty rotation freed %d blocks", freed)
		}
	}
	if ctx.Epoch() != 5 {
		t.Errorf("Expected epoch 5 after five rotations, got %d", ctx.Epoch())
	}
	if ctx.LastSweep() == 0 {
		t.Error("LastSweep should record the rotation tick")
	}
}

// TestRegisterRotateLifecycle covers the basic generational contract
func TestRegisterRotateLifecycle(t *testing.T) {
	var freed atomic.Int64
	ctx := New(&Options{
		Free: func(ptr unsafe.Pointer, size uintptr) {
			freed.Add(1)
		},
	})
	defer ctx.Close()

	ptr, buf := newBlock(64)
	_ = buf

	node, err := ctx.Register(ptr, 64)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if node.RefCount() != 1 {
		t.Errorf("Expected initial ref_count 1, got %d", node.RefCount())
	}

	// still referenced: rotations must not touch the block
	ctx.Rotate()
	if ctx.Find(ptr) == nil {
		t.Error("Referenced block must survive rotation")
	}

	node.Release()
	if n := ctx.Rotate(); n != 1 {
		t.Errorf("Expected rotation to free 1 block, got %d", n)
	}
	if ctx.Find(ptr) != nil {
		t.Error("Find should return nil after the freeing rotation")
	}
	if freed.Load() != 1 {
		t.Errorf("Expected 1 freed block, got %d", freed.Load())
	}
}

// TestManualModeNoBackgroundSweep verifies the default mode never reclaims
// on its own
func TestManualModeNoBackgroundSweep(t *testing.T) {
	var freed atomic.Int64
	ctx := New(&Options{
		MinRotateInterval: time.Millisecond,
		MaxRotateInterval: 5 * time.Millisecond,
		Free: func(ptr unsafe.Pointer, size uintptr) {
			freed.Add(1)
		},
	})
	defer ctx.Close()

	ptr, buf := newBlock(32)
	_ = buf

	node, _ := ctx.Register(ptr, 32)
	node.Release()

	time.Sleep(50 * time.Millisecond)

	if ctx.Epoch() != 0 {
		t.Errorf("Manual mode rotated on its own, epoch %d", ctx.Epoch())
	}
	if freed.Load() != 0 {
		t.Errorf("Manual mode freed %d blocks without a rotation", freed.Load())
	}
}

// TestBackgroundRotator verifies ManualRotate(false) hands reclamation to
// the rotator and ManualRotate(true) parks it again
func TestBackgroundRotator(t *testing.T) {
	var freed atomic.Int64
	ctx := New(&Options{
		MinRotateInterval: time.Millisecond,
		MaxRotateInterval: 10 * time.Millisecond,
		Free: func(ptr unsafe.Pointer, size uintptr) {
			freed.Add(1)
		},
	})
	defer ctx.Close()

	ptr, buf := newBlock(32)
	_ = buf
	node, _ := ctx.Register(ptr, 32)
	node.Release()

	ctx.ManualRotate(false)

	deadline := time.Now().Add(2 * time.Second)
	for ctx.Find(ptr) != nil {
		if time.Now().After(deadline) {
			t.Fatal("Background rotator did not reclaim the block in time")
		}
		time.Sleep(time.Millisecond)
	}
	if freed.Load() != 1 {
		t.Errorf("Expected 1 freed block, got %d", freed.Load())
	}

	// park the rotator again; a fresh release must now sit untouched
	ctx.ManualRotate(true)
	time.Sleep(20 * time.Millisecond) // let an in-flight rotation finish
	epochBefore := ctx.Epoch()

	ptr2, buf2 := newBlock(32)
	_ = buf2
	node2, _ := ctx.Register(ptr2, 32)
	node2.Release()

	time.Sleep(50 * time.Millisecond)
	if ctx.Find(ptr2) == nil {
		t.Error("Parked rotator must not reclaim")
	}
	if ctx.Epoch() != epochBefore {
		t.Errorf("Parked rotator advanced the epoch: %d -> %d", epochBefore, ctx.Epoch())
	}
}

// TestCloseFreesRemaining verifies Close drains the context synchronously
func TestCloseFreesRemaining(t *testing.T) {
	var freed atomic.Int64
	ctx := New(&Options{
		Free: func(ptr unsafe.Pointer, size uintptr) {
			freed.Add(1)
		},
	})

	bufs := make([][]byte, 5)
	for i := range bufs {
		ptr, buf := newBlock(16)
		bufs[i] = buf
		if _, err := ctx.Register(ptr, 16); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	if err := ctx.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if freed.Load() != 5 {
		t.Errorf("Expected 5 blocks freed on close, got %d", freed.Load())
	}
	if err := ctx.Close(); err != nil {
		t.Errorf("Second Close should be a nil no-op, got %v", err)
	}
}

// TestInfo sanity-checks the diagnostics snapshot
func TestInfo(t *testing.T) {
	ctx := New(nil)
	defer ctx.Close()

	ptr, buf := newBlock(128)
	_ = buf
	if _, err := ctx.Register(ptr, 128); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	ctx.Rotate()

	info := ctx.Info()
	if info.Epoch != 1 {
		t.Errorf("Expected epoch 1, got %d", info.Epoch)
	}
	if !info.ManualRotation {
		t.Error("Expected manual rotation flag in info")
	}
	if info.Tree.TrackedNodes != 1 {
		t.Errorf("Expected 1 tracked block, got %d", info.Tree.TrackedNodes)
	}
	if !info.Tree.ManualCleanup {
		t.Error("Context tree must run in manual cleanup mode")
	}
}

package epoch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"
)

// TestRegisterIdempotent verifies a handle lands in the registry exactly once
func TestRegisterIdempotent(t *testing.T) {
	m := NewManager()

	thread := m.NewThread()
	thread.Register()
	thread.Register()
	thread.Register()

	if got := m.Info().RegisteredThreads; got != 1 {
		t.Errorf("Expected 1 registered thread, got %d", got)
	}

	// Enter also registers, but never twice
	other := m.NewThread()
	other.Enter()
	other.Enter()
	other.Exit()

	if got := m.Info().RegisteredThreads; got != 2 {
		t.Errorf("Expected 2 registered threads, got %d", got)
	}
}

// TestRetireErrors covers the failure paths of Retire
func TestRetireErrors(t *testing.T) {
	m := NewManager()

	if err := m.Retire(nil, func(unsafe.Pointer) {}); err != ErrNilPointer {
		t.Errorf("Expected ErrNilPointer, got %v", err)
	}

	buf := make([]byte, 8)
	if err := m.Retire(unsafe.Pointer(&buf[0]), nil); err != ErrNilCleanup {
		t.Errorf("Expected ErrNilCleanup, got %v", err)
	}
}

// TestRetireReclaimGracePeriod verifies a retired block survives exactly two
// epoch advances before being released
func TestRetireReclaimGracePeriod(t *testing.T) {
	m := NewManager()

	var cleaned atomic.Int64
	bufs := make([][]byte, 3)
	for i := range bufs {
		bufs[i] = make([]byte, 8)
		err := m.Retire(unsafe.Pointer(&bufs[i][0]), func(unsafe.Pointer) {
			cleaned.Add(1)
		})
		if err != nil {
			t.Fatalf("Retire failed: %v", err)
		}
	}

	// Retired at epoch 0, so queue 0 holds all three. The next two steps
	// drain queues 1 and 2 and must release nothing.
	if n := m.Reclaim(); n != 0 {
		t.Errorf("First reclaim released %d blocks, want 0", n)
	}
	if n := m.Reclaim(); n != 0 {
		t.Errorf("Second reclaim released %d blocks, want 0", n)
	}
	if cleaned.Load() != 0 {
		t.Errorf("Cleanups ran before the grace period elapsed: %d", cleaned.Load())
	}

	if n := m.Reclaim(); n != 3 {
		t.Errorf("Third reclaim released %d blocks, want 3", n)
	}
	if cleaned.Load() != 3 {
		t.Errorf("Expected 3 cleanups, got %d", cleaned.Load())
	}
	if m.Epoch() != 3 {
		t.Errorf("Expected global epoch 3 after three reclaims, got %d", m.Epoch())
	}
	if pending := m.Info().PendingRetired; pending != 0 {
		t.Errorf("Expected no pending retirements, got %d", pending)
	}
}

// TestPinnedReaderStallsReclaim verifies no epoch advance happens while a
// reader sits in a critical section opened in an older epoch
func TestPinnedReaderStallsReclaim(t *testing.T) {
	m := NewManager()

	reader := m.RegisterThread()
	reader.Enter()

	// reader entered at the current epoch, so one advance is allowed
	m.Reclaim()
	epochAfterFirst := m.Epoch()

	// now the reader's local epoch lags; reclamation must stall
	for i := 0; i < 5; i++ {
		if n := m.Reclaim(); n != 0 {
			t.Fatalf("Reclaim released %d blocks past a pinned reader", n)
		}
	}
	if m.Epoch() != epochAfterFirst {
		t.Errorf("Epoch advanced past a pinned reader: %d -> %d", epochAfterFirst, m.Epoch())
	}

	reader.Exit()
	m.Reclaim()
	if m.Epoch() != epochAfterFirst+1 {
		t.Errorf("Epoch should advance after the reader exits, got %d", m.Epoch())
	}
}

// TestReaderNeverSeesFreedBlock runs the canonical EBR safety scenario: a
// reader pins an epoch and loads a shared pointer, a writer unlinks and
// retires the block, and the block must not be released until the reader
// leaves its critical section.
func TestReaderNeverSeesFreedBlock(t *testing.T) {
	m := NewManager()

	var shared atomic.Pointer[int64]
	value := new(int64)
	*value = 42
	shared.Store(value)

	var released atomic.Bool
	readerInside := make(chan struct{})
	releaseReader := make(chan struct{})
	done := make(chan struct{})

	reader := m.RegisterThread()
	go func() {
		defer close(done)
		reader.Enter()
		p := shared.Load()
		close(readerInside)
		<-releaseReader
		// the block was retired long ago, but the pin must keep it alive
		if released.Load() {
			t.Error("Block released while a reader still held it")
		}
		if *p != 42 {
			t.Errorf("Reader observed corrupted value %d", *p)
		}
		reader.Exit()
	}()

	<-readerInside

	// writer: unlink, then retire
	shared.Store(nil)
	err := m.Retire(unsafe.Pointer(value), func(unsafe.Pointer) {
		released.Store(true)
	})
	if err != nil {
		t.Fatalf("Retire failed: %v", err)
	}

	// hammer the reclaimer; it may advance at most once before stalling
	// behind the pinned reader
	for i := 0; i < 100; i++ {
		m.Reclaim()
	}
	if released.Load() {
		t.Fatal("Block released while the reader was pinned")
	}

	close(releaseReader)
	<-done

	deadline := time.Now().Add(2 * time.Second)
	for !released.Load() {
		if time.Now().After(deadline) {
			t.Fatal("Block never released after the reader exited")
		}
		m.Reclaim()
	}
}

// TestDeregisteredReaderIgnored verifies a deregistered handle no longer
// stalls reclamation
func TestDeregisteredReaderIgnored(t *testing.T) {
	m := NewManager()

	reader := m.RegisterThread()
	reader.Enter()
	m.Reclaim() // reader now lags the epoch

	if n := m.Reclaim(); n != 0 {
		t.Fatalf("Reclaim released %d blocks past a pinned reader", n)
	}

	reader.Deregister()
	before := m.Epoch()
	m.Reclaim()
	if m.Epoch() != before+1 {
		t.Error("Deregistered reader should not stall the epoch")
	}

	// the handle stays in the registry but confers nothing anymore
	info := m.Info()
	if info.RegisteredThreads != 1 {
		t.Errorf("Expected 1 registered thread, got %d", info.RegisteredThreads)
	}
	if info.ActiveThreads != 0 {
		t.Errorf("Expected 0 active threads, got %d", info.ActiveThreads)
	}

	reader.Enter() // no-op after Deregister
	if reader.Active() {
		t.Error("Enter after Deregister must not activate the handle")
	}
}

// TestConcurrentRetireReclaim retires from many goroutines while a single
// reclaimer loops, and verifies every block is released exactly once
func TestConcurrentRetireReclaim(t *testing.T) {
	m := NewManager()

	const numWorkers = 8
	const perWorker = 500

	var cleaned atomic.Int64
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				buf := make([]byte, 8)
				err := m.Retire(unsafe.Pointer(&buf[0]), func(unsafe.Pointer) {
					cleaned.Add(1)
				})
				if err != nil {
					t.Errorf("Retire failed: %v", err)
					return
				}
			}
		}()
	}

	reclaimDone := make(chan struct{})
	go func() {
		defer close(reclaimDone)
		deadline := time.Now().Add(5 * time.Second)
		for cleaned.Load() < numWorkers*perWorker {
			if time.Now().After(deadline) {
				return
			}
			m.Reclaim()
		}
	}()

	wg.Wait()
	<-reclaimDone

	if cleaned.Load() != numWorkers*perWorker {
		t.Errorf("Expected %d cleanups, got %d", numWorkers*perWorker, cleaned.Load())
	}
	if pending := m.Info().PendingRetired; pending != 0 {
		t.Errorf("Expected no pending retirements, got %d", pending)
	}
}

// TestConcurrentReclaimSingleWinner verifies overlapping Reclaim calls do
// not double-release
func TestConcurrentReclaimSingleWinner(t *testing.T) {
	m := NewManager()

	const blocks = 100
	var cleaned atomic.Int64
	bufs := make([][]byte, blocks)
	for i := range bufs {
		bufs[i] = make([]byte, 8)
		if err := m.Retire(unsafe.Pointer(&bufs[i][0]), func(unsafe.Pointer) {
			cleaned.Add(1)
		}); err != nil {
			t.Fatalf("Retire failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(4)
	for g := 0; g < 4; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Reclaim()
			}
		}()
	}
	wg.Wait()

	if cleaned.Load() != blocks {
		t.Errorf("Expected %d cleanups, got %d", blocks, cleaned.Load())
	}
}

// BenchmarkEnterExit measures the read-side critical section cost
func BenchmarkEnterExit(b *testing.B) {
	m := NewManager()
	thread := m.RegisterThread()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		thread.Enter()
		thread.Exit()
	}
}

// BenchmarkRetire measures the write-side retirement cost
func BenchmarkRetire(b *testing.B) {
	m := NewManager()
	buf := make([]byte, 8)
	ptr := unsafe.Pointer(&buf[0])
	noop := func(unsafe.Pointer) {}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Retire(ptr, noop)
	}
}

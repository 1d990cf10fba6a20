// Package util provides the shared concurrency and diagnostic helpers used by
// the reclamation packages.
//
// This file implements a lock-free Treiber stack (LIFO).
//
// Features and Guarantees:
//
//   - Lock-Free: atomic compare-and-swap on the head pointer, no mutexes
//   - Unbounded Size: limited only by available memory
//   - Small Footprint: one pointer of overhead per item
//   - Thread-Safe writes: any number of goroutines may Push() concurrently
//   - Swap() atomically detaches the whole stack, so a single consumer can
//     drain it without blocking producers
//   - LIFO Ordering: items come back in reverse push order; callers that need
//     FIFO must not use this type
package util

import (
	"runtime"
	"sync/atomic"
)

// snode is a single element of the stack
type snode[T any] struct {
	value *T
	next  *snode[T]
}

// LockFreeStack is a lock-free multi-producer stack.
// The zero value is an empty stack ready for use.
type LockFreeStack[T any] struct {
	head atomic.Pointer[snode[T]]
	size atomic.Int64
}

// Push adds an item to the stack.
// A nil value is ignored and returns false.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *LockFreeStack[T]) Push(value *T) bool {
	if value == nil {
		return false
	}

	newNode := &snode[T]{value: value}

	var backoff uint8 = 0
	for {
		oldHead := s.head.Load()
		newNode.next = oldHead

		if s.head.CompareAndSwap(oldHead, newNode) {
			s.size.Add(1)
			return true
		}

		/*
		 Exponential backoff under contention: spin at low retry counts to
		 avoid scheduling overhead, yield at higher counts so other goroutines
		 can make progress. The exponential growth breaks up the "thundering
		 herd" of goroutines all retrying after a failed CAS.
		*/
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Swap atomically detaches the entire stack and returns its items in pop
// (reverse push) order. Producers pushing concurrently are unaffected; their
// items land on the new, empty stack.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *LockFreeStack[T]) Swap() []*T {
	head := s.head.Swap(nil)
	if head == nil {
		return nil
	}

	var items []*T
	for n := head; n != nil; n = n.next {
		items = append(items, n.value)
		s.size.Add(-1)
	}
	return items
}

// Range calls fn for every item currently on the stack, newest first.
// Iteration observes a consistent snapshot of the list as of the initial head
// load; items pushed concurrently may or may not be visited.
// Returning false from fn stops the iteration.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *LockFreeStack[T]) Range(fn func(*T) bool) {
	for n := s.head.Load(); n != nil; n = n.next {
		if !fn(n.value) {
			return
		}
	}
}

// Len returns the approximate number of items on the stack.
func (s *LockFreeStack[T]) Len() int {
	return int(s.size.Load())
}

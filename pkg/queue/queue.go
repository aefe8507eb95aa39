// Package queue provides a size-bounded FIFO that never blocks producers.
package queue

import (
	"sync"
	"sync/atomic"
)

// Queue is a FIFO bounded by the summed size of its items. Enqueue never blocks;
// items that do not fit are dropped and counted. A budget <= 0 means unbounded.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxSize int
	curSize int
	sizeOf  func(T) int
	items   []T

	drops atomic.Uint64
}

// New returns a queue holding at most maxSize units as measured by sizeOf.
// A nil sizeOf counts every item as one unit.
func New[T any](maxSize int, sizeOf func(T) int) *Queue[T] {
	if sizeOf == nil {
		sizeOf = func(T) int { return 1 }
	}
	q := &Queue[T]{maxSize: maxSize, sizeOf: sizeOf}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Drops returns how many items were rejected.
func (q *Queue[T]) Drops() uint64 {
	return q.drops.Load()
}

// Enqueue appends v if it fits within the budget.
func (q *Queue[T]) Enqueue(v T) bool {
	n := q.sizeOf(v)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || (q.maxSize > 0 && q.curSize+n > q.maxSize) {
		q.drops.Add(1)
		return false
	}

	q.items = append(q.items, v)
	q.curSize += n
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until an item is available or the queue is closed and empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.curSize -= q.sizeOf(v)
	return v, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Size returns the summed size of queued items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.curSize
}

// Close wakes all consumers. Pending items are discarded when discard is true,
// otherwise consumers drain them before Dequeue reports false.
func (q *Queue[T]) Close(discard bool) {
	q.mu.Lock()
	q.closed = true
	if discard {
		q.items = nil
		q.curSize = 0
	}
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

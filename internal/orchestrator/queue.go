package orchestrator

import (
	"context"
	"sync"
)

// Item is one entry of a bounded queue. Every item is stamped with the
// generation of the agent run that produced it so that consumers can drop
// output that a later run has superseded. EndOfTurn marks the end-of-utterance
// sentinel; sentinel items carry the zero payload.
type Item[T any] struct {
	Payload    T
	EndOfTurn  bool
	Generation uint64
}

// Queue is a bounded FIFO safe for concurrent use. Put blocks while the queue
// is full and Get blocks while it is empty; both unblock on context
// cancellation, on Close, and on any state change that could satisfy them.
//
// Blocking waits use a broadcast channel that is closed and replaced on every
// mutation, so waiters re-check under the lock rather than racing for slots.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []Item[T]
	capacity int
	closed   bool
	changed  chan struct{}
}

// NewQueue creates a queue holding at most capacity items. A capacity below
// one is raised to one.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Put appends item, blocking while the queue is full. It returns ctx.Err()
// if the context is cancelled first, or ErrQueueClosed after Close.
func (q *Queue[T]) Put(ctx context.Context, item Item[T]) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Get removes and returns the oldest item, blocking while the queue is empty.
// It returns ctx.Err() if the context is cancelled first, or ErrQueueClosed
// after Close once the queue has drained.
func (q *Queue[T]) Get(ctx context.Context) (Item[T], error) {
	var zero Item[T]
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero // release the payload reference
			q.items = q.items[1:]
			q.broadcastLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-ch:
		}
	}
}

// TryDrain removes and returns all buffered items without blocking.
func (q *Queue[T]) TryDrain() []Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	drained := q.items
	q.items = nil
	q.broadcastLocked()
	return drained
}

// Clear drops all buffered items in one critical section and returns how many
// were discarded. Blocked producers are unblocked by the freed capacity.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n > 0 {
		q.items = nil
		q.broadcastLocked()
	}
	return n
}

// HasItems reports whether the queue currently holds at least one item.
func (q *Queue[T]) HasItems() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

// Len returns the current number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes all waiters. Subsequent Put calls
// fail with ErrQueueClosed; Get keeps returning buffered items and fails only
// once the queue is empty. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// broadcastLocked wakes every goroutine blocked on the queue. Must be called
// with q.mu held.
func (q *Queue[T]) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

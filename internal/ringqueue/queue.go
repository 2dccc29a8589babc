// Package ringqueue provides a bounded FIFO that drops its oldest item when
// full. It is the only kind of queue allowed between the audio workers, the
// conversation loop and the network writer.
package ringqueue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

type Queue[T any] struct {
	mu sync.Mutex

	items    []T
	capacity int
	closed   bool

	updateSignal chan struct{}
}

// New creates a queue holding at most capacity items. A capacity below one
// is treated as one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &Queue[T]{
		items:        make([]T, 0, capacity),
		capacity:     capacity,
		updateSignal: make(chan struct{}, 1),
	}
}

// Push appends item, evicting the oldest item when the queue is full. It
// reports whether an item was evicted. Pushing to a closed queue is a no-op.
func (q *Queue[T]) Push(item T) (evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if len(q.items) == q.capacity {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signalUpdate()
	return evicted
}

func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popLocked()
}

// Pop blocks until an item is available, the queue is closed or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		item, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return item, nil
		}

		var zero T
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.updateSignal:
		}
	}
}

// popLocked is a version of [Queue.TryPop] that is safe to call from a
// locked context.
func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Filter removes every item for which keep returns false and returns the
// number of removed items. Relative order of the kept items is preserved.
func (q *Queue[T]) Filter(keep func(T) bool) (removed int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make([]T, 0, q.capacity)
	for _, item := range q.items {
		if keep(item) {
			kept = append(kept, item)
		} else {
			removed++
		}
	}
	q.items = kept
	return removed
}

func (q *Queue[T]) Clear() (removed int) {
	return q.Filter(func(T) bool { return false })
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Signal fires (coalesced) whenever an item is pushed or the queue closes.
func (q *Queue[T]) Signal() <-chan struct{} {
	return q.updateSignal
}

// Close wakes any blocked Pop. Items still queued can be drained with
// TryPop.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.signalUpdate()
}

func (q *Queue[T]) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}

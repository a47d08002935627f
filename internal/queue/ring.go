// Package queue provides the bounded drop-oldest buffer used between the
// capture, collection and processing stages.
package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// Ring is a fixed-capacity FIFO buffer that never blocks the producer.
// When the buffer is full a Push evicts the oldest element to make room.
// It is safe for concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int

	// ready carries a wakeup token for consumers blocked in PopTimeout.
	ready chan struct{}

	evicted atomic.Int64
}

// New creates a ring holding at most capacity elements. Capacity below one is
// raised to one.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v. It returns the evicted element and true when the buffer was
// full and its oldest element had to be dropped.
func (r *Ring[T]) Push(v T) (evicted T, dropped bool) {
	r.mu.Lock()
	capacity := len(r.items)
	if r.size == capacity {
		evicted = r.items[r.head]
		r.items[r.head] = v
		r.head = (r.head + 1) % capacity
		dropped = true
	} else {
		r.items[(r.head+r.size)%capacity] = v
		r.size++
	}
	r.mu.Unlock()

	if dropped {
		r.evicted.Add(1)
	}
	r.signal()
	return evicted, dropped
}

// TryPop removes and returns the oldest element without waiting.
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	v, ok := r.popLocked()
	remaining := r.size
	r.mu.Unlock()

	if ok && remaining > 0 {
		// Pass the wakeup on so another waiting consumer sees the rest.
		r.signal()
	}
	return v, ok
}

// PopTimeout waits up to timeout for an element. It returns false if the
// buffer stayed empty for the whole interval.
func (r *Ring[T]) PopTimeout(timeout time.Duration) (T, bool) {
	if v, ok := r.TryPop(); ok {
		return v, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-r.ready:
			if v, ok := r.TryPop(); ok {
				return v, true
			}
		case <-timer.C:
			return r.TryPop()
		}
	}
}

// Drain removes and returns every buffered element, oldest first.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.size)
	for r.size > 0 {
		v, _ := r.popLocked()
		out = append(out, v)
	}
	return out
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Evicted returns how many elements were dropped to make room for newer ones.
func (r *Ring[T]) Evicted() int64 {
	return r.evicted.Load()
}

func (r *Ring[T]) popLocked() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

func (r *Ring[T]) signal() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

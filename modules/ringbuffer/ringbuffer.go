package ringbuffer

import (
	"fmt"
	"sync"
)

// RingBuffer is a fixed-capacity circular store.
//
// Layout: store has length capacity, cursor is the next write index and
// wrapped reports whether cursor has passed the end at least once since
// the last Drain/Reset. When wrapped, the oldest sample sits at cursor.
type RingBuffer[T any] struct {
	mu      sync.Mutex
	store   []T
	cursor  int
	wrapped bool
}

// New creates a RingBuffer holding up to capacity samples.
//
// Panics if capacity < 1: a zero-length ring cannot hold its own invariant
// and is always a wiring mistake, like make() with a negative length.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		panic(fmt.Sprintf("ringbuffer: invalid capacity %d (must be >= 1)", capacity))
	}
	return &RingBuffer[T]{store: make([]T, capacity)}
}

// Push appends a single sample, overwriting the oldest one when full.
func (rb *RingBuffer[T]) Push(v T) {
	rb.mu.Lock()
	rb.push(v)
	rb.mu.Unlock()
}

// PushBatch appends samples in order. A batch larger than the capacity
// leaves only its last Cap() samples in the buffer.
func (rb *RingBuffer[T]) PushBatch(values []T) {
	if len(values) == 0 {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.store)
	if len(values) >= capacity {
		// Everything already buffered is overwritten anyway.
		copy(rb.store, values[len(values)-capacity:])
		rb.cursor = 0
		rb.wrapped = true
		return
	}

	for _, v := range values {
		rb.push(v)
	}
}

func (rb *RingBuffer[T]) push(v T) {
	rb.store[rb.cursor] = v
	rb.cursor++
	if rb.cursor == len(rb.store) {
		rb.cursor = 0
		rb.wrapped = true
	}
}

// Drain returns all buffered samples oldest-to-newest and resets the
// buffer to empty. Draining an empty buffer returns an empty, non-nil slice.
func (rb *RingBuffer[T]) Drain() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := rb.snapshot(rb.lenLocked())
	rb.reset()
	return out
}

// Latest returns the most recent min(n, Len()) samples oldest-to-newest
// without mutating the buffer.
func (rb *RingBuffer[T]) Latest(n int) []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n < 0 {
		n = 0
	}
	if available := rb.lenLocked(); n > available {
		n = available
	}
	return rb.snapshot(n)
}

// Len returns the number of buffered samples.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.lenLocked()
}

// Cap returns the fixed capacity.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.store)
}

// Reset discards all buffered samples without returning them.
func (rb *RingBuffer[T]) Reset() {
	rb.mu.Lock()
	rb.reset()
	rb.mu.Unlock()
}

func (rb *RingBuffer[T]) lenLocked() int {
	if rb.wrapped {
		return len(rb.store)
	}
	return rb.cursor
}

// snapshot copies the newest n samples in chronological order.
func (rb *RingBuffer[T]) snapshot(n int) []T {
	out := make([]T, n)
	if n == 0 {
		return out
	}

	capacity := len(rb.store)
	start := (rb.cursor - n + capacity) % capacity
	if start+n <= capacity {
		copy(out, rb.store[start:start+n])
		return out
	}

	first := copy(out, rb.store[start:])
	copy(out[first:], rb.store[:n-first])
	return out
}

func (rb *RingBuffer[T]) reset() {
	var zero T
	for i := range rb.store {
		rb.store[i] = zero
	}
	rb.cursor = 0
	rb.wrapped = false
}

// Package fanout holds the per-stream callback lists of the drivers.
package fanout

import "sync"

// List is a set of callbacks for one stream.
//
// Deliver holds a read lock while callbacks run, so an unsubscribe returns
// only after any in-flight delivery to that callback has finished. Callbacks
// must not unsubscribe from inside Deliver.
type List[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(T)
}

// Subscribe adds fn and returns its idempotent unsubscribe function.
func (l *List[T]) Subscribe(fn func(T)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// Deliver calls every callback with v on the caller's goroutine.
func (l *List[T]) Deliver(v T) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, fn := range l.fns {
		fn(v)
	}
}

// Len returns the number of live callbacks.
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}

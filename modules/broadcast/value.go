package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Observable is the read side of a Value: a synchronous current-value read
// plus push delivery with an unsubscribe handle.
type Observable[T any] interface {
	Value() T
	Subscribe(fn func(T)) (unsubscribe func())
}

// Stats tracks delivery metrics for a Value.
type Stats struct {
	Subscribers int
	Published   uint64 // Set calls
	Delivered   uint64 // callback invocations that returned normally
	Superseded  uint64 // values overwritten in a mailbox before delivery
	Failed      uint64 // callback invocations that panicked
}

// Value is a concurrency-safe observable value.
type Value[T any] struct {
	name string

	mu      sync.RWMutex
	current T
	subs    map[*subscriber[T]]struct{}
	closed  bool

	published  atomic.Uint64
	delivered  atomic.Uint64
	superseded atomic.Uint64
	failed     atomic.Uint64
}

// New creates a Value holding initial.
func New[T any](initial T) *Value[T] {
	return NewNamed("", initial)
}

// NewNamed creates a Value whose name appears in log lines about
// failing subscribers.
func NewNamed[T any](name string, initial T) *Value[T] {
	return &Value[T]{
		name:    name,
		current: initial,
		subs:    make(map[*subscriber[T]]struct{}),
	}
}

// Value returns the current value.
func (v *Value[T]) Value() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores x and schedules delivery to every live subscriber.
// Never blocks on subscribers.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.current = x
	v.published.Add(1)

	for s := range v.subs {
		if s.offer(x) {
			v.superseded.Add(1)
		}
	}
}

// Subscribe registers fn and returns its unsubscribe handle. fn first
// receives the current value, then every later value it keeps up with.
//
// fn runs on a goroutine owned by this subscription, one call at a time.
// The handle is idempotent and may be called from inside fn. A call that
// is already running when the handle fires is allowed to finish.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return func() {}
	}

	s := newSubscriber[T]()
	v.subs[s] = struct{}{}
	s.offer(v.current)
	v.mu.Unlock()

	go v.deliver(s, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, s)
			v.mu.Unlock()
			s.close()
		})
	}
}

// Stats returns a snapshot of delivery metrics.
func (v *Value[T]) Stats() Stats {
	v.mu.RLock()
	n := len(v.subs)
	v.mu.RUnlock()

	return Stats{
		Subscribers: n,
		Published:   v.published.Load(),
		Delivered:   v.delivered.Load(),
		Superseded:  v.superseded.Load(),
		Failed:      v.failed.Load(),
	}
}

// Close stops delivery to all subscribers. Set keeps updating the current
// value afterwards; Subscribe returns a no-op handle.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	v.closed = true
	for s := range v.subs {
		s.close()
	}
	v.subs = make(map[*subscriber[T]]struct{})
}

func (v *Value[T]) deliver(s *subscriber[T], fn func(T)) {
	for {
		x, ok := s.next()
		if !ok {
			return
		}
		v.call(fn, x)
	}
}

func (v *Value[T]) call(fn func(T), x T) {
	defer func() {
		if r := recover(); r != nil {
			v.failed.Add(1)
			slog.Warn("broadcast: subscriber panicked",
				"value", v.name,
				"panic", r,
			)
		}
	}()
	fn(x)
	v.delivered.Add(1)
}

// subscriber is a single-slot mailbox guarded by a condition variable.
type subscriber[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending T
	has     bool
	closed  bool
}

func newSubscriber[T any]() *subscriber[T] {
	s := &subscriber[T]{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// offer stores x in the slot and reports whether an undelivered value
// was overwritten.
func (s *subscriber[T]) offer(x T) (overwrote bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	overwrote = s.has
	s.pending = x
	s.has = true
	s.cond.Signal()
	return overwrote
}

// next blocks until a value is pending or the mailbox is closed.
func (s *subscriber[T]) next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.has && !s.closed {
		s.cond.Wait()
	}

	var zero T
	if s.closed {
		s.pending = zero
		return zero, false
	}

	x := s.pending
	s.pending = zero
	s.has = false
	return x, true
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

package broadcast_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-biosense/modules/broadcast"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("Timeout waiting for condition")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestValue_SetAndGet(t *testing.T) {
	v := broadcast.New("disconnected")
	if got := v.Value(); got != "disconnected" {
		t.Fatalf("Expected initial value disconnected, got %q", got)
	}

	v.Set("connected")
	if got := v.Value(); got != "connected" {
		t.Errorf("Expected connected, got %q", got)
	}
}

func TestSubscribe_DeliversCurrentValue(t *testing.T) {
	v := broadcast.New(7)

	got := make(chan int, 1)
	unsubscribe := v.Subscribe(func(x int) {
		select {
		case got <- x:
		default:
		}
	})
	defer unsubscribe()

	select {
	case x := <-got:
		if x != 7 {
			t.Errorf("Expected first delivery 7, got %d", x)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for initial delivery")
	}
}

func TestSubscribe_ReceivesLatest(t *testing.T) {
	v := broadcast.New(0)

	var last atomic.Int64
	unsubscribe := v.Subscribe(func(x int) { last.Store(int64(x)) })
	defer unsubscribe()

	for i := 1; i <= 100; i++ {
		v.Set(i)
	}

	waitFor(t, time.Second, func() bool { return last.Load() == 100 })
}

// TestSlowSubscriber_DoesNotBlockSet checks that Set returns while a
// subscriber is stuck inside its callback.
func TestSlowSubscriber_DoesNotBlockSet(t *testing.T) {
	v := broadcast.New(0)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	unsubscribe := v.Subscribe(func(int) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	defer unsubscribe()
	defer close(release)

	<-entered

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 1000; i++ {
			v.Set(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked on slow subscriber")
	}

	stats := v.Stats()
	if stats.Superseded < 998 {
		t.Errorf("Expected at least 998 superseded values, got %d", stats.Superseded)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	v := broadcast.New(0)

	var calls atomic.Int64
	unsubscribe := v.Subscribe(func(int) { calls.Add(1) })
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })

	unsubscribe()
	unsubscribe() // idempotent

	if n := v.Stats().Subscribers; n != 0 {
		t.Errorf("Expected 0 subscribers after unsubscribe, got %d", n)
	}

	v.Set(1)
	v.Set(2)
	time.Sleep(20 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Errorf("Expected no delivery after unsubscribe, got %d calls", n)
	}
}

func TestUnsubscribe_FromInsideCallback(t *testing.T) {
	v := broadcast.New(0)

	var unsubscribe func()
	var mu sync.Mutex
	var calls int
	ready := make(chan struct{})

	unsubscribe = v.Subscribe(func(int) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		unsubscribe()
	})
	close(ready)

	waitFor(t, time.Second, func() bool { return v.Stats().Subscribers == 0 })

	v.Set(1)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("Expected exactly 1 call, got %d", calls)
	}
}

func TestPanickingSubscriber_IsIsolated(t *testing.T) {
	v := broadcast.New(0)

	var healthy atomic.Int64
	unsubBad := v.Subscribe(func(x int) {
		if x > 0 {
			panic("boom")
		}
	})
	defer unsubBad()
	unsubGood := v.Subscribe(func(x int) { healthy.Store(int64(x)) })
	defer unsubGood()

	v.Set(5)

	waitFor(t, time.Second, func() bool { return healthy.Load() == 5 })
	waitFor(t, time.Second, func() bool { return v.Stats().Failed == 1 })

	// The panicking subscription stays live.
	if n := v.Stats().Subscribers; n != 2 {
		t.Errorf("Expected 2 subscribers, got %d", n)
	}
}

func TestClose(t *testing.T) {
	v := broadcast.New(0)

	var calls atomic.Int64
	v.Subscribe(func(int) { calls.Add(1) })
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })

	v.Close()
	v.Close()

	v.Set(9)
	if got := v.Value(); got != 9 {
		t.Errorf("Expected Value() 9 after Close, got %d", got)
	}

	unsub := v.Subscribe(func(int) { calls.Add(1) })
	unsub()

	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("Expected no deliveries after Close, got %d calls", n)
	}
}

// TestStats_Conservation checks Published*subscribers accounts for every
// value once the mailboxes are idle.
func TestStats_Conservation(t *testing.T) {
	v := broadcast.New(0)

	const subscribers = 3
	var total atomic.Int64
	for i := 0; i < subscribers; i++ {
		unsub := v.Subscribe(func(int) {
			total.Add(1)
			time.Sleep(100 * time.Microsecond)
		})
		defer unsub()
	}

	for i := 1; i <= 200; i++ {
		v.Set(i)
	}

	// Each subscriber was offered its initial value plus every Set.
	offered := uint64(subscribers * (200 + 1))
	waitFor(t, 2*time.Second, func() bool {
		s := v.Stats()
		return s.Delivered+s.Superseded+s.Failed == offered
	})

	s := v.Stats()
	if s.Published != 200 {
		t.Errorf("Expected Published 200, got %d", s.Published)
	}
	if uint64(total.Load()) != s.Delivered {
		t.Errorf("Expected Delivered %d to match callback count %d", s.Delivered, total.Load())
	}
}

package streampublisher_test

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/biosession/biosessiontest"
	"github.com/e7canasta/orion-biosense/modules/streampublisher"
)

func setup(t *testing.T, caps biosession.Capabilities) (*biosession.Session, *biosessiontest.Driver, *streampublisher.Publisher) {
	t.Helper()
	drv := biosessiontest.New(caps)
	cfg := biosession.DefaultConfig()
	cfg.WindowSeconds = 10
	cfg.SyntheticTick = 5 * time.Millisecond
	s, err := biosession.New(drv, cfg)
	if err != nil {
		t.Fatalf("biosession.New() failed: %v", err)
	}
	t.Cleanup(s.Close)

	p := streampublisher.New(s, streampublisher.Config{
		Interval:   5 * time.Millisecond,
		EEGSamples: 4,
		PPGSamples: 4,
		HRSamples:  2,
	})
	t.Cleanup(func() { p.Close() })
	return s, drv, p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("Timeout waiting for condition")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRefresh_PreviewIsLatestTail(t *testing.T) {
	s, drv, p := setup(t, biosession.Capabilities{PPG: true, HeartRate: true})
	s.Connect(context.Background())

	drv.EmitEEG(0, 1, 2, 3, 4, 5, 6)
	p.Refresh()

	if got := p.Preview(biosession.EEG1).Value(); !reflect.DeepEqual(got, []float64{3, 4, 5, 6}) {
		t.Errorf("EEG1 preview = %v, want [3 4 5 6]", got)
	}

	// Previews never consume samples.
	if got := s.Drain().Values(biosession.EEG1); len(got) != 6 {
		t.Errorf("Expected 6 samples still drainable, got %d", len(got))
	}
}

func TestRefresh_OnlyPublishesChanges(t *testing.T) {
	s, drv, p := setup(t, biosession.Capabilities{PPG: true, HeartRate: true})
	s.Connect(context.Background())

	drv.EmitPPG(1, 2)
	p.Refresh()
	updates := p.Stats().Updates
	p.Refresh()
	p.Refresh()

	if got := p.Stats().Updates; got != updates {
		t.Errorf("Expected no updates for unchanged previews, got %d more", got-updates)
	}
}

func TestPreview_SyntheticPPGWithinOneTick(t *testing.T) {
	s, _, p := setup(t, biosession.Capabilities{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	s.Connect(context.Background())

	waitFor(t, 100*time.Millisecond, func() bool {
		return len(p.Preview(biosession.PPG).Value()) > 0
	})
}

func TestPreview_ClearedOnDisconnect(t *testing.T) {
	s, drv, p := setup(t, biosession.Capabilities{PPG: true, HeartRate: true})
	s.Connect(context.Background())

	drv.EmitEEG(2, 7, 8)
	p.Refresh()
	if len(p.Preview(biosession.EEG3).Value()) == 0 {
		t.Fatal("Expected non-empty preview")
	}

	s.Disconnect()
	for _, ch := range biosession.AllChannels {
		if got := p.Preview(ch).Value(); len(got) != 0 {
			t.Errorf("%v preview = %v after disconnect, want empty", ch, got)
		}
	}
}

func TestObservers_AreIndependent(t *testing.T) {
	s, drv, p := setup(t, biosession.Capabilities{PPG: true, HeartRate: true})
	s.Connect(context.Background())

	// A panicking observer and a blocked observer must not starve a healthy one.
	unsubPanic := p.Preview(biosession.EEG1).Subscribe(func(v []float64) {
		if len(v) > 0 {
			panic("render failed")
		}
	})
	defer unsubPanic()

	block := make(chan struct{})
	defer close(block)
	unsubBlocked := p.Preview(biosession.EEG1).Subscribe(func([]float64) { <-block })
	defer unsubBlocked()

	var mu sync.Mutex
	var last []float64
	unsubHealthy := p.Preview(biosession.EEG1).Subscribe(func(v []float64) {
		mu.Lock()
		last = v
		mu.Unlock()
	})
	defer unsubHealthy()

	for i := 1; i <= 10; i++ {
		drv.EmitEEG(0, float64(i))
		p.Refresh()
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reflect.DeepEqual(last, []float64{7, 8, 9, 10})
	})
	waitFor(t, time.Second, func() bool { return p.Stats().Failed > 0 })

	// Ingestion kept going the whole time.
	if got := len(s.Latest(biosession.EEG1, 100)); got != 10 {
		t.Errorf("Expected 10 buffered samples, got %d", got)
	}
}

func TestStateAndQuality_Forwarded(t *testing.T) {
	s, _, p := setup(t, biosession.Capabilities{PPG: true, HeartRate: true})

	var state atomic.Int32
	unsub := p.State().Subscribe(func(st biosession.ConnectionState) { state.Store(int32(st)) })
	defer unsub()

	s.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return biosession.ConnectionState(state.Load()) == biosession.Connected })

	if p.Quality().Value() != biosession.Poor {
		t.Errorf("Quality() = %v, want Poor right after connect", p.Quality().Value())
	}
}

func TestStartStop(t *testing.T) {
	_, _, p := setup(t, biosession.Capabilities{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("Expected error on second Start")
	}
	waitFor(t, time.Second, func() bool { return p.Stats().Refreshes > 1 })

	p.Stop()
	p.Stop()
	n := p.Stats().Refreshes
	time.Sleep(20 * time.Millisecond)
	if p.Stats().Refreshes != n {
		t.Error("Expected no refreshes after Stop")
	}
}

func TestConfig_Defaults(t *testing.T) {
	_, _, p := setup(t, biosession.Capabilities{})
	cfg := streampublisher.DefaultConfig()
	if cfg.PreviewSize(biosession.EEG2) != 256 || cfg.PreviewSize(biosession.PPG) != 64 || cfg.PreviewSize(biosession.HR) != 30 {
		t.Errorf("unexpected default preview sizes %+v", cfg)
	}
	if p.Config().HRSamples != 2 {
		t.Errorf("Config().HRSamples = %d, want 2", p.Config().HRSamples)
	}
}

package capture_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/biosession/biosessiontest"
	"github.com/e7canasta/orion-biosense/modules/capture"
)

func connected(t *testing.T) (*biosession.Session, *biosessiontest.Driver) {
	t.Helper()
	drv := biosessiontest.New(biosession.Capabilities{PPG: true, HeartRate: true})
	cfg := biosession.DefaultConfig()
	cfg.WindowSeconds = 10
	s, err := biosession.New(drv, cfg)
	if err != nil {
		t.Fatalf("biosession.New() failed: %v", err)
	}
	t.Cleanup(s.Close)
	if s.Connect(context.Background()) != biosession.Connected {
		t.Fatalf("Connect failed: %v", s.LastError())
	}
	return s, drv
}

func TestController_InitialState(t *testing.T) {
	s, _ := connected(t)
	ctl := capture.New(s)
	defer ctl.Close()

	if ctl.State() != capture.Idle {
		t.Errorf("State() = %v, want idle", ctl.State())
	}
}

func TestDrainRawData_RequiresPause(t *testing.T) {
	s, drv := connected(t)
	ctl := capture.New(s)
	defer ctl.Close()

	drv.EmitEEG(0, 1, 2)

	for _, step := range []struct {
		name    string
		prepare func()
	}{
		{name: "idle", prepare: func() {}},
		{name: "capturing", prepare: func() { ctl.Pause(); ctl.Resume() }},
	} {
		t.Run(step.name, func(t *testing.T) {
			step.prepare()
			_, err := ctl.DrainRawData()

			var cerr *capture.ContractError
			if !errors.As(err, &cerr) {
				t.Fatalf("Expected *ContractError, got %v", err)
			}
			if !errors.Is(err, capture.ErrNotPaused) {
				t.Errorf("Expected ErrNotPaused, got %v", err)
			}
			if cerr.Op != "drain" {
				t.Errorf("ContractError.Op = %q, want drain", cerr.Op)
			}
		})
	}

	// Nothing was drained by the rejected calls.
	if n := len(s.Latest(biosession.EEG1, 10)); n != 2 {
		t.Errorf("Expected buffered samples untouched, got %d", n)
	}
	if got := ctl.Stats().Rejected; got != 2 {
		t.Errorf("Rejected = %d, want 2", got)
	}
}

func TestPauseDrainResume_DisjointWindows(t *testing.T) {
	s, drv := connected(t)
	ctl := capture.New(s)
	defer ctl.Close()

	drv.EmitEEG(3, 1, 2, 3)
	drv.EmitPPG(10, 11)

	if err := ctl.Pause(); err != nil {
		t.Fatalf("Pause() failed: %v", err)
	}
	drv.EmitEEG(3, -1, -1) // dropped while paused
	first, err := ctl.DrainRawData()
	if err != nil {
		t.Fatalf("DrainRawData() failed: %v", err)
	}
	if ctl.State() != capture.Paused {
		t.Errorf("State() after drain = %v, want paused", ctl.State())
	}
	if err := ctl.Resume(); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}

	drv.EmitEEG(3, 4, 5)
	drv.EmitPPG(12)

	ctl.Pause()
	second, err := ctl.DrainRawData()
	if err != nil {
		t.Fatalf("second DrainRawData() failed: %v", err)
	}
	ctl.Resume()

	eeg := append(append([]float64{}, first.Values(biosession.EEG4)...), second.Values(biosession.EEG4)...)
	if !reflect.DeepEqual(eeg, []float64{1, 2, 3, 4, 5}) {
		t.Errorf("EEG4 windows concatenate to %v, want [1 2 3 4 5]", eeg)
	}
	ppg := append(append([]float64{}, first.PPG...), second.PPG...)
	if !reflect.DeepEqual(ppg, []float64{10, 11, 12}) {
		t.Errorf("PPG windows concatenate to %v, want [10 11 12]", ppg)
	}
	if ctl.Stats().Windows != 2 {
		t.Errorf("Windows = %d, want 2", ctl.Stats().Windows)
	}
}

func TestDrainRawData_Concurrent(t *testing.T) {
	s, drv := connected(t)
	ctl := capture.New(s)
	defer ctl.Close()

	drv.EmitEEG(0, 1, 2, 3)
	ctl.Pause()

	var wg sync.WaitGroup
	results := make(chan error, 8)
	packets := make(chan capture.CapturePacket, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := ctl.DrainRawData()
			results <- err
			if err == nil {
				packets <- p
			}
		}()
	}
	wg.Wait()
	close(results)
	close(packets)

	total := 0
	for p := range packets {
		total += len(p.Values(biosession.EEG1))
	}
	if total != 3 {
		t.Errorf("Expected the 3 samples to appear in exactly one packet, got %d", total)
	}
	for err := range results {
		if err != nil && !errors.Is(err, capture.ErrDrainInProgress) {
			t.Errorf("unexpected error %v", err)
		}
	}
}

func TestController_ResetsOnDisconnect(t *testing.T) {
	s, _ := connected(t)
	ctl := capture.New(s)
	defer ctl.Close()

	ctl.Pause()
	s.Disconnect()

	if ctl.State() != capture.Idle {
		t.Errorf("State() after disconnect = %v, want idle", ctl.State())
	}
	if s.IngestionPaused() {
		t.Error("Expected ingestion re-enabled after disconnect")
	}
}

func TestCaptureWindow(t *testing.T) {
	s, drv := connected(t)
	ctl := capture.New(s)
	defer ctl.Close()

	drv.EmitEEG(1, 100, 100) // stale, flushed before the window opens

	stop := make(chan struct{})
	go func() {
		v := 0.0
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				v++
				drv.EmitEEG(1, v)
			}
		}
	}()

	packet, err := ctl.CaptureWindow(context.Background(), 50*time.Millisecond)
	close(stop)
	if err != nil {
		t.Fatalf("CaptureWindow() failed: %v", err)
	}

	values := packet.Values(biosession.EEG2)
	if len(values) == 0 {
		t.Fatal("Expected samples in the window")
	}
	for i := 1; i < len(values); i++ {
		if values[i] != values[i-1]+1 {
			t.Fatalf("window has a gap or stale data: %v", values)
		}
	}
	if values[0] == 100 {
		t.Error("Expected stale samples flushed before the window")
	}
	if ctl.State() != capture.Capturing {
		t.Errorf("State() after window = %v, want capturing", ctl.State())
	}
}

func TestCaptureWindow_NotConnected(t *testing.T) {
	drv := biosessiontest.New(biosession.Capabilities{})
	s, err := biosession.New(drv, biosession.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctl := capture.New(s)
	defer ctl.Close()

	if _, err := ctl.CaptureWindow(context.Background(), time.Millisecond); !errors.Is(err, capture.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestCaptureWindow_Cancelled(t *testing.T) {
	s, _ := connected(t)
	ctl := capture.New(s)
	defer ctl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := ctl.CaptureWindow(ctx, time.Hour); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	if s.IngestionPaused() {
		t.Error("Expected ingestion resumed after an aborted window")
	}
}

func TestCaptureWindow_CancelledDiscardsPartialWindow(t *testing.T) {
	s, drv := connected(t)
	ctl := capture.New(s)
	defer ctl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ctl.CaptureWindow(ctx, time.Hour)
		done <- err
	}()

	waitState(t, ctl, capture.Capturing)
	drv.EmitEEG(0, 1, 2, 3)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected Canceled, got %v", err)
	}
	if ctl.State() != capture.Capturing {
		t.Errorf("State() after abort = %v, want capturing", ctl.State())
	}

	drv.EmitEEG(0, 7)
	ctl.Pause()
	packet, err := ctl.DrainRawData()
	if err != nil {
		t.Fatalf("DrainRawData() failed: %v", err)
	}
	if got := packet.Values(biosession.EEG1); !reflect.DeepEqual(got, []float64{7}) {
		t.Errorf("EEG1 after abort = %v, want [7]", got)
	}
}

func TestCaptureWindow_AbortAfterCloseIsLogged(t *testing.T) {
	var buf syncBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	s, _ := connected(t)
	ctl := capture.New(s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ctl.CaptureWindow(ctx, time.Hour)
		done <- err
	}()

	waitState(t, ctl, capture.Capturing)
	ctl.Close()
	cancel()
	<-done

	if !strings.Contains(buf.String(), "capture: discard window: pause failed") {
		t.Errorf("Expected the failed discard to be logged, got:\n%s", buf.String())
	}
	if s.IngestionPaused() {
		t.Error("Expected ingestion resumed by Close")
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitState(t *testing.T, ctl *capture.Controller, want capture.State) {
	t.Helper()
	deadline := time.After(time.Second)
	for ctl.State() != want {
		select {
		case <-deadline:
			t.Fatalf("State() = %v, want %v", ctl.State(), want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestClose(t *testing.T) {
	s, _ := connected(t)
	ctl := capture.New(s)

	ctl.Pause()
	ctl.Close()
	ctl.Close()

	if s.IngestionPaused() {
		t.Error("Expected Close to resume ingestion")
	}
	if err := ctl.Pause(); !errors.Is(err, capture.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

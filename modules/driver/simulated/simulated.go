// Package simulated provides a headband driver that produces deterministic
// synthetic EEG, PPG, heart-rate and telemetry streams.
//
// It stands in for the vendor driver in development, demos and tests. EEG is
// an alpha rhythm (10 Hz) with a slower theta component and seeded noise; each
// electrode has its own phase. Samples are emitted in batches at the nominal
// channel rates, paced by wall-clock time.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/driver/internal/fanout"
)

// Config contains simulated driver configuration
type Config struct {
	// PPG reports native PPG support (otherwise the session synthesizes it)
	PPG bool
	// HeartRate reports native heart-rate support
	HeartRate bool
	// Seed makes the noise sequence reproducible (default: 1)
	Seed uint64
	// EEGBatch is the number of samples per electrode batch (default: 12)
	EEGBatch int
	// Tick is the emission period (default: 40ms)
	Tick time.Duration
	// TelemetryInterval between telemetry readings (default: 1s)
	TelemetryInterval time.Duration
	// ConnectDelay simulates the handshake duration
	ConnectDelay time.Duration
	// ConnectErr, when set, is returned by every Connect
	ConnectErr error
}

func (c Config) withDefaults() Config {
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.EEGBatch <= 0 {
		c.EEGBatch = 12
	}
	if c.Tick <= 0 {
		c.Tick = 40 * time.Millisecond
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = time.Second
	}
	return c
}

// Stats contains driver statistics
type Stats struct {
	Connects   uint64
	EEGBatches uint64
	EEGSamples uint64
	PPGSamples uint64
	HRReadings uint64
	Telemetry  uint64
}

// Driver is a simulated biosession.Driver.
type Driver struct {
	cfg Config

	eeg       fanout.List[biosession.EEGReading]
	ppg       fanout.List[biosession.PPGReading]
	hr        fanout.List[biosession.HeartRateReading]
	telemetry fanout.List[biosession.Telemetry]

	mu        sync.Mutex
	connected bool
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	connects   atomic.Uint64
	eegBatches atomic.Uint64
	eegSamples atomic.Uint64
	ppgSamples atomic.Uint64
	hrReadings atomic.Uint64
	telemReads atomic.Uint64
}

// New creates a disconnected simulated driver.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg.withDefaults()}
}

// Connect simulates the handshake.
func (d *Driver) Connect(ctx context.Context) error {
	d.connects.Add(1)

	if d.cfg.ConnectDelay > 0 {
		timer := time.NewTimer(d.cfg.ConnectDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if d.cfg.ConnectErr != nil {
		return d.cfg.ConnectErr
	}

	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()

	slog.Info("simulated driver: connected",
		"ppg", d.cfg.PPG,
		"heart_rate", d.cfg.HeartRate,
		"seed", d.cfg.Seed,
	)
	return nil
}

// Start begins streaming. The streams run until Disconnect.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return fmt.Errorf("simulated driver: start: not connected")
	}
	if d.running {
		return fmt.Errorf("simulated driver: already streaming")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go d.stream(runCtx)
	return nil
}

// Disconnect stops streaming and waits for the stream goroutine. Idempotent.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	cancel := d.cancel
	wasRunning := d.running
	d.cancel = nil
	d.running = false
	d.connected = false
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	if wasRunning {
		slog.Info("simulated driver: disconnected",
			"eeg_samples", d.eegSamples.Load(),
			"ppg_samples", d.ppgSamples.Load(),
		)
	}
	return nil
}

// Capabilities reports the configured native streams.
func (d *Driver) Capabilities() biosession.Capabilities {
	return biosession.Capabilities{PPG: d.cfg.PPG, HeartRate: d.cfg.HeartRate}
}

func (d *Driver) SubscribeEEG(fn func(biosession.EEGReading)) func() {
	return d.eeg.Subscribe(fn)
}

func (d *Driver) SubscribePPG(fn func(biosession.PPGReading)) func() {
	return d.ppg.Subscribe(fn)
}

func (d *Driver) SubscribeTelemetry(fn func(biosession.Telemetry)) func() {
	return d.telemetry.Subscribe(fn)
}

// SubscribeHeartRate implements biosession.HeartRateSource.
func (d *Driver) SubscribeHeartRate(fn func(biosession.HeartRateReading)) func() {
	return d.hr.Subscribe(fn)
}

// Stats returns driver statistics.
func (d *Driver) Stats() Stats {
	return Stats{
		Connects:   d.connects.Load(),
		EEGBatches: d.eegBatches.Load(),
		EEGSamples: d.eegSamples.Load(),
		PPGSamples: d.ppgSamples.Load(),
		HRReadings: d.hrReadings.Load(),
		Telemetry:  d.telemReads.Load(),
	}
}

// stream paces every channel against the elapsed time since start, so each
// tick emits whatever became due.
func (d *Driver) stream(ctx context.Context) {
	defer d.wg.Done()

	gen := newSignal(d.cfg.Seed)
	start := time.Now()
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	var eegDue, ppgDue, hrDue, telemDue uint64
	for {
		elapsed := time.Since(start)

		for target := due(elapsed, biosession.EEGRate); eegDue+uint64(d.cfg.EEGBatch) <= target; eegDue += uint64(d.cfg.EEGBatch) {
			now := time.Now()
			for e := range biosession.EEGChannels {
				d.eeg.Deliver(biosession.EEGReading{
					Electrode: e,
					Samples:   gen.eeg(e, eegDue, d.cfg.EEGBatch),
					Timestamp: now,
				})
				d.eegSamples.Add(uint64(d.cfg.EEGBatch))
			}
			d.eegBatches.Add(1)
		}

		if d.cfg.PPG {
			if target := due(elapsed, biosession.PPGRate); target > ppgDue {
				n := int(target - ppgDue)
				d.ppg.Deliver(biosession.PPGReading{Samples: gen.ppg(ppgDue, n), Timestamp: time.Now()})
				d.ppgSamples.Add(uint64(n))
				ppgDue = target
			}
		}

		if d.cfg.HeartRate {
			for target := due(elapsed, biosession.HRRate); hrDue < target; hrDue++ {
				d.hr.Deliver(biosession.HeartRateReading{BPM: gen.bpm(hrDue), Timestamp: time.Now()})
				d.hrReadings.Add(1)
			}
		}

		if target := uint64(elapsed/d.cfg.TelemetryInterval) + 1; telemDue < target {
			d.telemetry.Deliver(gen.telemetry(elapsed))
			d.telemReads.Add(1)
			telemDue = target
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// due returns how many samples at rate have come due after elapsed,
// counting the one at t=0.
func due(elapsed time.Duration, rate float64) uint64 {
	return uint64(elapsed.Seconds()*rate) + 1
}

// signal produces the sample values. Only the stream goroutine uses it.
type signal struct {
	rng   *rand.Rand
	phase [4]float64
}

func newSignal(seed uint64) *signal {
	s := &signal{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	for i := range s.phase {
		s.phase[i] = s.rng.Float64() * 2 * math.Pi
	}
	return s
}

func (s *signal) eeg(electrode int, from uint64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		t := float64(from+uint64(i)) / biosession.EEGRate
		alpha := 20 * math.Sin(2*math.Pi*10*t+s.phase[electrode])
		theta := 8 * math.Sin(2*math.Pi*6*t+s.phase[electrode]/2)
		out[i] = alpha + theta + s.rng.NormFloat64()*5
	}
	return out
}

func (s *signal) ppg(from uint64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		t := float64(from+uint64(i)) / biosession.PPGRate
		out[i] = 1000 + 200*math.Sin(2*math.Pi*1.2*t) + 60*math.Sin(4*math.Pi*1.2*t) + s.rng.NormFloat64()*4
	}
	return out
}

func (s *signal) bpm(n uint64) float64 {
	return 72 + 3*math.Sin(2*math.Pi*float64(n)/45) + s.rng.NormFloat64()*0.5
}

func (s *signal) telemetry(elapsed time.Duration) biosession.Telemetry {
	return biosession.Telemetry{
		Battery:     math.Max(0, 100-elapsed.Minutes()*0.5),
		Temperature: 33.5 + s.rng.NormFloat64()*0.1,
		Accel:       [3]float64{s.rng.NormFloat64() * 0.01, s.rng.NormFloat64() * 0.01, 1 + s.rng.NormFloat64()*0.01},
		Timestamp:   time.Now(),
	}
}

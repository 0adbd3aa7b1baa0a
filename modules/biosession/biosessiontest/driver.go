// Package biosessiontest provides a scriptable in-memory driver for tests.
package biosessiontest

import (
	"context"
	"sync"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession"
)

// Driver is a biosession.Driver whose streams are fed by the test through
// the Emit* methods. Emit calls run the subscribed callbacks synchronously.
type Driver struct {
	// Caps is returned by Capabilities.
	Caps biosession.Capabilities

	// ConnectFunc, when set, replaces the default Connect (which returns ConnectErr).
	ConnectFunc func(ctx context.Context) error
	ConnectErr  error
	StartErr    error

	// PanicOn makes the named call ("connect", "start", "subscribe") panic.
	PanicOn string

	mu          sync.Mutex
	nextID      int
	eeg         map[int]func(biosession.EEGReading)
	ppg         map[int]func(biosession.PPGReading)
	telemetry   map[int]func(biosession.Telemetry)
	heartRate   map[int]func(biosession.HeartRateReading)
	connects    int
	starts      int
	disconnects int
}

// New creates a driver with the given capabilities.
func New(caps biosession.Capabilities) *Driver {
	return &Driver{
		Caps:      caps,
		eeg:       make(map[int]func(biosession.EEGReading)),
		ppg:       make(map[int]func(biosession.PPGReading)),
		telemetry: make(map[int]func(biosession.Telemetry)),
		heartRate: make(map[int]func(biosession.HeartRateReading)),
	}
}

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	d.connects++
	fn, err, panicking := d.ConnectFunc, d.ConnectErr, d.PanicOn == "connect"
	d.mu.Unlock()

	if panicking {
		panic("driver exploded during connect")
	}
	if fn != nil {
		return fn(ctx)
	}
	return err
}

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.PanicOn == "start" {
		panic("driver exploded during start")
	}
	return d.StartErr
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	return nil
}

func (d *Driver) Capabilities() biosession.Capabilities {
	return d.Caps
}

func (d *Driver) SubscribeEEG(fn func(biosession.EEGReading)) func() {
	return subscribe(d, d.eeg, fn)
}

func (d *Driver) SubscribePPG(fn func(biosession.PPGReading)) func() {
	return subscribe(d, d.ppg, fn)
}

func (d *Driver) SubscribeTelemetry(fn func(biosession.Telemetry)) func() {
	return subscribe(d, d.telemetry, fn)
}

func (d *Driver) SubscribeHeartRate(fn func(biosession.HeartRateReading)) func() {
	return subscribe(d, d.heartRate, fn)
}

func subscribe[T any](d *Driver, subs map[int]func(T), fn func(T)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PanicOn == "subscribe" {
		panic("driver exploded during subscribe")
	}
	id := d.nextID
	d.nextID++
	subs[id] = fn
	return func() {
		d.mu.Lock()
		delete(subs, id)
		d.mu.Unlock()
	}
}

func emit[T any](d *Driver, subs map[int]func(T), v T) {
	d.mu.Lock()
	fns := make([]func(T), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// EmitEEG delivers a batch for electrode.
func (d *Driver) EmitEEG(electrode int, samples ...float64) {
	emit(d, d.eeg, biosession.EEGReading{Electrode: electrode, Samples: samples, Timestamp: time.Now()})
}

// EmitPPG delivers a PPG batch.
func (d *Driver) EmitPPG(samples ...float64) {
	emit(d, d.ppg, biosession.PPGReading{Samples: samples, Timestamp: time.Now()})
}

// EmitHeartRate delivers one heart-rate reading.
func (d *Driver) EmitHeartRate(bpm float64) {
	emit(d, d.heartRate, biosession.HeartRateReading{BPM: bpm, Timestamp: time.Now()})
}

// EmitTelemetry delivers a telemetry reading.
func (d *Driver) EmitTelemetry(t biosession.Telemetry) {
	emit(d, d.telemetry, t)
}

// Subscribers returns the number of live subscriptions across all streams.
func (d *Driver) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.eeg) + len(d.ppg) + len(d.telemetry) + len(d.heartRate)
}

// Calls returns how many times Connect, Start and Disconnect ran.
func (d *Driver) Calls() (connects, starts, disconnects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects, d.starts, d.disconnects
}

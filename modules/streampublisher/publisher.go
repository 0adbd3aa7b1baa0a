// Package streampublisher broadcasts live session state to any number of
// independent observers.
//
// Philosophy: "Observers read copies, never the buffers."
//
// Published values:
//   - State()   connection state (forwarded from the session)
//   - Quality() signal quality (forwarded from the session)
//   - Preview(ch) the newest N samples of one channel, refreshed on a ticker
//
// Previews are taken with the ring buffer's non-destructive Latest, so
// observers never affect ingestion or drains. Each observer gets its own
// delivery goroutine (see package broadcast); a slow or panicking observer
// only hurts itself.
//
// Lifecycle: New() → Start() → Subscribe/Value from any goroutine → Stop()
package streampublisher

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/broadcast"
)

// Source is the session surface the publisher reads.
// *biosession.Session implements it.
type Source interface {
	Latest(ch biosession.Channel, n int) []float64
	ObserveState() broadcast.Observable[biosession.ConnectionState]
	ObserveQuality() broadcast.Observable[biosession.SignalQuality]
	OnTeardown(fn func()) (remove func())
}

// Config contains preview configuration
type Config struct {
	// Interval between preview refreshes (default: 100ms)
	Interval time.Duration
	// EEGSamples per EEG preview (default: 256, one second)
	EEGSamples int
	// PPGSamples per PPG preview (default: 64)
	PPGSamples int
	// HRSamples per HR preview (default: 30)
	HRSamples int
}

// DefaultConfig returns default preview configuration
func DefaultConfig() Config {
	return Config{
		Interval:   100 * time.Millisecond,
		EEGSamples: 256,
		PPGSamples: 64,
		HRSamples:  30,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval > 0 {
		d.Interval = c.Interval
	}
	if c.EEGSamples > 0 {
		d.EEGSamples = c.EEGSamples
	}
	if c.PPGSamples > 0 {
		d.PPGSamples = c.PPGSamples
	}
	if c.HRSamples > 0 {
		d.HRSamples = c.HRSamples
	}
	return d
}

// PreviewSize returns the number of samples previewed for ch.
func (c Config) PreviewSize(ch biosession.Channel) int {
	switch {
	case ch.IsEEG():
		return c.EEGSamples
	case ch == biosession.PPG:
		return c.PPGSamples
	default:
		return c.HRSamples
	}
}

// Stats contains publisher statistics
type Stats struct {
	// Refreshes is the number of refresh passes
	Refreshes uint64
	// Updates is the number of preview values published (changed previews only)
	Updates uint64
	// Subscribers is the number of live preview subscriptions across channels
	Subscribers int
	// Failed is the number of preview callbacks that panicked
	Failed uint64
}

// Publisher owns one broadcast value per channel preview.
type Publisher struct {
	src      Source
	cfg      Config
	previews [biosession.NumChannels]*broadcast.Value[[]float64]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	refreshMu  sync.Mutex
	removeHook func()

	refreshes atomic.Uint64
	updates   atomic.Uint64
}

// New creates a stopped publisher bound to src. Previews are cleared
// whenever the session disconnects.
func New(src Source, cfg Config) *Publisher {
	p := &Publisher{
		src: src,
		cfg: cfg.withDefaults(),
	}
	for _, ch := range biosession.AllChannels {
		p.previews[ch] = broadcast.NewNamed("preview/"+ch.String(), []float64{})
	}
	p.removeHook = src.OnTeardown(p.clear)
	return p
}

// Start begins the refresh loop. Returns immediately.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("streampublisher: already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	p.wg.Add(1)
	go p.refreshLoop()

	slog.Info("streampublisher: started",
		"interval", p.cfg.Interval,
		"eeg_samples", p.cfg.EEGSamples,
		"ppg_samples", p.cfg.PPGSamples,
		"hr_samples", p.cfg.HRSamples,
	)
	return nil
}

// Stop ends the refresh loop and waits for it. Subscriptions stay valid;
// they simply stop receiving preview updates. Idempotent.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	slog.Info("streampublisher: stopped", "refreshes", p.refreshes.Load())
	return nil
}

// Close stops the loop, detaches from the session and ends delivery to
// every preview subscriber.
func (p *Publisher) Close() error {
	p.Stop()
	p.removeHook()
	for _, v := range p.previews {
		v.Close()
	}
	return nil
}

func (p *Publisher) refreshLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Refresh()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Refresh()
		}
	}
}

// Refresh publishes a new preview for every channel whose tail changed.
func (p *Publisher) Refresh() {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	p.refreshes.Add(1)
	for _, ch := range biosession.AllChannels {
		latest := p.src.Latest(ch, p.cfg.PreviewSize(ch))
		if slices.Equal(latest, p.previews[ch].Value()) {
			continue
		}
		p.previews[ch].Set(latest)
		p.updates.Add(1)
	}
}

// clear empties every preview. Runs on session teardown.
func (p *Publisher) clear() {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	for _, v := range p.previews {
		if len(v.Value()) > 0 {
			v.Set([]float64{})
		}
	}
	slog.Debug("streampublisher: previews cleared")
}

// State exposes the session connection state.
func (p *Publisher) State() broadcast.Observable[biosession.ConnectionState] {
	return p.src.ObserveState()
}

// Quality exposes the session signal quality.
func (p *Publisher) Quality() broadcast.Observable[biosession.SignalQuality] {
	return p.src.ObserveQuality()
}

// Preview exposes the preview of ch. Values delivered to subscribers are
// fresh slices owned by the publisher; do not modify them.
func (p *Publisher) Preview(ch biosession.Channel) broadcast.Observable[[]float64] {
	return p.previews[ch]
}

// Config returns the effective configuration.
func (p *Publisher) Config() Config {
	return p.cfg
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() Stats {
	st := Stats{
		Refreshes: p.refreshes.Load(),
		Updates:   p.updates.Load(),
	}
	for _, v := range p.previews {
		vs := v.Stats()
		st.Subscribers += vs.Subscribers
		st.Failed += vs.Failed
	}
	return st
}

// Package synth generates deterministic pseudo-periodic samples for channels
// the hardware does not expose.
package synth

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Waveform returns sample n of a signal sampled at the generator rate.
// It must be a pure function of n.
type Waveform func(n uint64, rate float64) float64

// PPGWave is a pulse-like wave: 72 bpm fundamental plus a dicrotic harmonic,
// centered on zero with unit-ish amplitude.
func PPGWave(n uint64, rate float64) float64 {
	t := float64(n) / rate
	const beat = 1.2 // Hz
	return math.Sin(2*math.Pi*beat*t) + 0.3*math.Sin(4*math.Pi*beat*t+math.Pi/4)
}

// HeartRateWave drifts between 68 and 76 bpm over a 30s period.
func HeartRateWave(n uint64, rate float64) float64 {
	t := float64(n) / rate
	return 72 + 4*math.Sin(2*math.Pi*t/30)
}

// Generator emits samples of a Waveform at a nominal rate on a ticker.
//
// Every tick emits the samples that are due since the last tick, so the
// long-run output rate equals the nominal rate regardless of tick length.
// The first sample is emitted as soon as the generator starts.
type Generator struct {
	name string
	rate float64
	tick time.Duration
	wave Waveform
	emit func([]float64)

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	produced atomic.Uint64
}

// New creates a stopped generator. emit is called from the generator's
// goroutine only.
func New(name string, rate float64, tick time.Duration, wave Waveform, emit func([]float64)) *Generator {
	return &Generator{
		name: name,
		rate: rate,
		tick: tick,
		wave: wave,
		emit: emit,
		done: make(chan struct{}),
	}
}

// Start launches the generator goroutine. Later calls are no-ops.
func (g *Generator) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		g.cancel = cancel
		go g.run(runCtx)
	})
}

// Stop cancels the generator and waits for its goroutine to exit.
// It reports true only for the call that actually stopped it.
func (g *Generator) Stop() bool {
	stopped := false
	g.stopOnce.Do(func() {
		stopped = true
		// Stop before Start: make sure Start never launches afterwards.
		g.startOnce.Do(func() { close(g.done) })
		if g.cancel != nil {
			g.cancel()
			<-g.done
		}
		slog.Debug("synth: generator stopped",
			"generator", g.name,
			"samples", g.produced.Load(),
		)
	})
	return stopped
}

// Produced returns the number of samples emitted so far.
func (g *Generator) Produced() uint64 {
	return g.produced.Load()
}

func (g *Generator) run(ctx context.Context) {
	defer close(g.done)

	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	// due accumulates fractional samples between ticks; it starts at one
	// so the channel is non-empty immediately.
	due := 1.0
	perTick := g.rate * g.tick.Seconds()

	for {
		if n := int(due); n > 0 {
			due -= float64(n)
			g.emitBatch(n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due += perTick
		}
	}
}

func (g *Generator) emitBatch(n int) {
	start := g.produced.Load()
	batch := make([]float64, n)
	for i := range batch {
		batch[i] = g.wave(start+uint64(i), g.rate)
	}
	g.produced.Add(uint64(n))
	g.emit(batch)
}

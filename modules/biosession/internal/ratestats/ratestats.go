// Package ratestats measures the arrival rate and jitter of sample batches.
package ratestats

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-biosense/modules/ringbuffer"
)

// rateStabilityThreshold is the maximum deviation of the measured rate from
// the nominal rate, as a fraction of nominal, for a channel to be stable.
const rateStabilityThreshold = 0.15

// jitterStabilityThreshold is the maximum mean jitter as a fraction of the
// mean batch interval.
const jitterStabilityThreshold = 0.20

// Arrival is one batch delivery.
type Arrival struct {
	At      time.Time
	Samples int
}

// Summary contains arrival statistics over the tracked window.
type Summary struct {
	Batches      int           `json:"batches"`
	Samples      int           `json:"samples"`
	Rate         float64       `json:"rate_hz"`       // samples per second
	IntervalMean time.Duration `json:"interval_mean"` // between batches
	JitterMean   time.Duration `json:"jitter_mean"`
	JitterMax    time.Duration `json:"jitter_max"`
	IsStable     bool          `json:"is_stable"`
}

// Tracker keeps the most recent arrivals of one channel.
type Tracker struct {
	nominal  float64
	arrivals *ringbuffer.RingBuffer[Arrival]
	total    atomic.Uint64
}

// NewTracker tracks up to window batches of a channel with the given
// nominal rate in Hz.
func NewTracker(nominal float64, window int) *Tracker {
	return &Tracker{
		nominal:  nominal,
		arrivals: ringbuffer.New[Arrival](window),
	}
}

// Observe records a batch of samples arriving at at.
func (t *Tracker) Observe(samples int, at time.Time) {
	t.arrivals.Push(Arrival{At: at, Samples: samples})
	t.total.Add(uint64(samples))
}

// Total returns the number of samples observed since the last Reset.
func (t *Tracker) Total() uint64 {
	return t.total.Load()
}

// Summary computes statistics over the tracked window.
func (t *Tracker) Summary() Summary {
	return Calculate(t.arrivals.Latest(t.arrivals.Cap()), t.nominal)
}

// Reset forgets all arrivals.
func (t *Tracker) Reset() {
	t.arrivals.Reset()
	t.total.Store(0)
}

// Calculate computes rate and jitter statistics from arrivals in order.
//
// Rate counts the samples after the first batch over the span between the
// first and last arrival. Jitter is the absolute deviation of each batch
// interval from the mean interval. A channel is stable when the rate is
// within 15% of nominal and mean jitter is below 20% of the mean interval.
func Calculate(arrivals []Arrival, nominal float64) Summary {
	n := len(arrivals)
	s := Summary{Batches: n}
	for _, a := range arrivals {
		s.Samples += a.Samples
	}
	if n < 2 {
		return s
	}

	span := arrivals[n-1].At.Sub(arrivals[0].At)
	if span <= 0 {
		return s
	}
	s.Rate = float64(s.Samples-arrivals[0].Samples) / span.Seconds()

	meanInterval := span.Seconds() / float64(n-1)
	s.IntervalMean = seconds(meanInterval)

	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		interval := arrivals[i].At.Sub(arrivals[i-1].At).Seconds()
		j := math.Abs(interval - meanInterval)
		jitterSum += j
		if j > jitterMax {
			jitterMax = j
		}
	}
	jitterMean := jitterSum / float64(n-1)
	s.JitterMean = seconds(jitterMean)
	s.JitterMax = seconds(jitterMax)

	rateStable := nominal > 0 && math.Abs(s.Rate-nominal) < nominal*rateStabilityThreshold
	jitterStable := jitterMean < meanInterval*jitterStabilityThreshold
	s.IsStable = rateStable && jitterStable

	return s
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

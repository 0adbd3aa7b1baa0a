package biosession

import (
	"fmt"

	"github.com/e7canasta/orion-biosense/modules/ringbuffer"
)

// ChannelSet binds every Channel to its own ring buffer, plus a small ring
// of device telemetry. Buffers are sized once and reused for the whole
// session; Reset empties them without reallocating.
type ChannelSet struct {
	buffers   [NumChannels]*ringbuffer.RingBuffer[float64]
	telemetry *ringbuffer.RingBuffer[Telemetry]
}

// NewChannelSet sizes each channel for windowSeconds of data at its
// nominal rate.
func NewChannelSet(windowSeconds, telemetryCapacity int) (*ChannelSet, error) {
	if windowSeconds < 1 {
		return nil, fmt.Errorf("biosession: invalid window %ds (must be >= 1)", windowSeconds)
	}
	if telemetryCapacity < 1 {
		return nil, fmt.Errorf("biosession: invalid telemetry capacity %d (must be >= 1)", telemetryCapacity)
	}

	cs := &ChannelSet{
		telemetry: ringbuffer.New[Telemetry](telemetryCapacity),
	}
	for _, ch := range AllChannels {
		cs.buffers[ch] = ringbuffer.New[float64](int(ch.Rate()) * windowSeconds)
	}
	return cs, nil
}

// Buffer returns the ring buffer bound to ch.
func (cs *ChannelSet) Buffer(ch Channel) *ringbuffer.RingBuffer[float64] {
	return cs.buffers[ch]
}

// Push appends samples to ch.
func (cs *ChannelSet) Push(ch Channel, samples ...float64) {
	cs.buffers[ch].PushBatch(samples)
}

// Latest returns up to n of the newest samples of ch without draining.
func (cs *ChannelSet) Latest(ch Channel, n int) []float64 {
	return cs.buffers[ch].Latest(n)
}

// PushTelemetry stores a telemetry reading.
func (cs *ChannelSet) PushTelemetry(t Telemetry) {
	cs.telemetry.Push(t)
}

// LatestTelemetry returns up to n of the newest telemetry readings.
func (cs *ChannelSet) LatestTelemetry(n int) []Telemetry {
	return cs.telemetry.Latest(n)
}

// DrainAll empties every channel into one packet. Callers that need the
// drain to be atomic with respect to concurrent pushes must exclude
// pushes themselves (Session does).
func (cs *ChannelSet) DrainAll() CapturePacket {
	p := CapturePacket{
		EEG: make([]EEGChannel, 0, len(EEGChannels)),
	}
	for _, ch := range EEGChannels {
		p.EEG = append(p.EEG, EEGChannel{Channel: ch, Values: cs.buffers[ch].Drain()})
	}
	p.PPG = cs.buffers[PPG].Drain()
	p.HR = cs.buffers[HR].Drain()
	return p
}

// Reset discards all buffered samples and telemetry.
func (cs *ChannelSet) Reset() {
	for _, b := range cs.buffers {
		b.Reset()
	}
	cs.telemetry.Reset()
}

// Len returns the buffered sample count of ch.
func (cs *ChannelSet) Len(ch Channel) int {
	return cs.buffers[ch].Len()
}

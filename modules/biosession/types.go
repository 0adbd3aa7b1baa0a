package biosession

import (
	"fmt"
	"time"
)

// Channel identifies one of the fixed biosignal channels.
//
// The set is closed: every Channel value below NumChannels owns exactly one
// ring buffer in a ChannelSet, so there is no "unknown channel" at runtime.
type Channel int

const (
	// EEG1 is electrode 0 in driver order (TP9, left ear)
	EEG1 Channel = iota
	// EEG2 is electrode 1 in driver order (AF7, left forehead)
	EEG2
	// EEG3 is electrode 2 in driver order (AF8, right forehead)
	EEG3
	// EEG4 is electrode 3 in driver order (TP10, right ear)
	EEG4
	// PPG is the optical pulse channel
	PPG
	// HR is the heart-rate channel (beats per minute)
	HR

	// NumChannels is the number of channels, not a channel.
	NumChannels
)

// EEGChannels lists the EEG channels in electrode order.
var EEGChannels = [...]Channel{EEG1, EEG2, EEG3, EEG4}

// AllChannels lists every channel in buffer order.
var AllChannels = [...]Channel{EEG1, EEG2, EEG3, EEG4, PPG, HR}

var channelLabels = [NumChannels]string{"TP9", "AF7", "AF8", "TP10", "PPG", "HR"}

// Nominal sample rates in Hz.
const (
	EEGRate = 256.0
	PPGRate = 64.0
	HRRate  = 1.0
)

// String returns the channel label (electrode name for EEG channels).
func (c Channel) String() string {
	if c.Valid() {
		return channelLabels[c]
	}
	return fmt.Sprintf("Channel(%d)", int(c))
}

// Valid reports whether c is one of the fixed channels.
func (c Channel) Valid() bool {
	return c >= 0 && c < NumChannels
}

// IsEEG reports whether c is an EEG electrode channel.
func (c Channel) IsEEG() bool {
	return c >= EEG1 && c <= EEG4
}

// Rate returns the nominal sample rate of c in Hz.
func (c Channel) Rate() float64 {
	switch {
	case c.IsEEG():
		return EEGRate
	case c == PPG:
		return PPGRate
	case c == HR:
		return HRRate
	default:
		return 0
	}
}

// MarshalText encodes the channel as its label.
func (c Channel) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("biosession: invalid channel %d", int(c))
	}
	return []byte(channelLabels[c]), nil
}

// UnmarshalText decodes a channel label.
func (c *Channel) UnmarshalText(text []byte) error {
	ch, err := ParseChannel(string(text))
	if err != nil {
		return err
	}
	*c = ch
	return nil
}

// ParseChannel resolves a channel label ("TP9", "PPG", ...).
func ParseChannel(label string) (Channel, error) {
	for i, l := range channelLabels {
		if l == label {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("biosession: unknown channel %q", label)
}

// ElectrodeChannel maps a driver electrode index onto its EEG channel.
// Indexes outside 0..3 (auxiliary electrodes) are not mapped.
func ElectrodeChannel(electrode int) (Channel, bool) {
	if electrode < 0 || electrode >= len(EEGChannels) {
		return 0, false
	}
	return EEGChannels[electrode], true
}

// ConnectionState is the session lifecycle state.
type ConnectionState int

const (
	// Disconnected is the initial and terminal state
	Disconnected ConnectionState = iota
	// Connecting means a handshake is in progress
	Connecting
	// Connected means subscriptions are live
	Connected
	// Error means the last connect attempt failed (see Session.LastError)
	Error
)

// String returns a human-readable string representation of the state
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canTransition reports whether from → to is a legal lifecycle move.
// Connecting → Disconnected is the abort path taken by Disconnect during
// a handshake.
func canTransition(from, to ConnectionState) bool {
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Connected || to == Error || to == Disconnected
	case Connected, Error:
		return to == Disconnected
	default:
		return false
	}
}

// SignalQuality is derived from session telemetry; it cannot be set directly.
type SignalQuality int

const (
	Poor SignalQuality = iota
	Fair
	Good
	Excellent
)

// String returns a human-readable string representation of the quality
func (q SignalQuality) String() string {
	switch q {
	case Poor:
		return "poor"
	case Fair:
		return "fair"
	case Good:
		return "good"
	case Excellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// MarshalText encodes the quality as its name.
func (q SignalQuality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// EEGReading is one batch of samples from a single electrode.
type EEGReading struct {
	// Electrode is the driver electrode index (0..3 map to EEG1..EEG4)
	Electrode int
	Samples   []float64
	Timestamp time.Time
}

// PPGReading is one batch of optical pulse samples.
type PPGReading struct {
	Samples   []float64
	Timestamp time.Time
}

// HeartRateReading is a heart-rate estimate in beats per minute.
type HeartRateReading struct {
	BPM       float64
	Timestamp time.Time
}

// Telemetry is a device status reading (battery, temperature, accelerometer).
type Telemetry struct {
	Battery     float64    `json:"battery" msgpack:"battery"`
	Temperature float64    `json:"temperature" msgpack:"temperature"`
	Accel       [3]float64 `json:"accel" msgpack:"accel"`
	Timestamp   time.Time  `json:"timestamp" msgpack:"timestamp"`
}

// EEGChannel is the drained window of one electrode.
type EEGChannel struct {
	Channel Channel   `json:"channel" msgpack:"channel"`
	Values  []float64 `json:"values" msgpack:"values"`
}

// CapturePacket is the drained content of every channel for one capture
// window. It is produced only by a drain and handed downstream once.
type CapturePacket struct {
	EEG []EEGChannel `json:"eeg" msgpack:"eeg"`
	PPG []float64    `json:"ppg" msgpack:"ppg"`
	HR  []float64    `json:"hr" msgpack:"hr"`

	// Meta describes the drain; it is not part of the wire shape.
	Meta PacketMeta `json:"-" msgpack:"-"`
}

// PacketMeta identifies a drained window.
type PacketMeta struct {
	WindowID  string
	SessionID string
	Sequence  uint64
	DrainedAt time.Time
}

// Values returns the samples of ch in p (nil for an absent EEG channel).
func (p CapturePacket) Values(ch Channel) []float64 {
	switch {
	case ch == PPG:
		return p.PPG
	case ch == HR:
		return p.HR
	case ch.IsEEG():
		for _, e := range p.EEG {
			if e.Channel == ch {
				return e.Values
			}
		}
	}
	return nil
}

// SampleCount returns the total number of samples across all channels.
func (p CapturePacket) SampleCount() int {
	n := len(p.PPG) + len(p.HR)
	for _, e := range p.EEG {
		n += len(e.Values)
	}
	return n
}

// Empty reports whether p holds no samples.
func (p CapturePacket) Empty() bool {
	return p.SampleCount() == 0
}

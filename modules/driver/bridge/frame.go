package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge is returned for a length prefix above MaxFrameSize.
	ErrFrameTooLarge = errors.New("bridge: invalid frame: too large")

	// ErrMalformedFrame wraps a body that does not decode. The stream
	// framing is still intact after it.
	ErrMalformedFrame = errors.New("bridge: malformed frame")
)

// Frame types.
const (
	FrameHello     = "hello"
	FrameEEG       = "eeg"
	FramePPG       = "ppg"
	FrameHeartRate = "hr"
	FrameTelemetry = "telemetry"
	FrameError     = "error"

	CommandStart = "start"
	CommandStop  = "stop"
)

// Frame is one message on the bridge pipes. Stdout carries readings,
// stdin carries commands. Fields not relevant to Type are omitted.
type Frame struct {
	Type string `msgpack:"type"`

	// hello
	Device    string `msgpack:"device,omitempty"`
	Protocol  int    `msgpack:"protocol,omitempty"`
	PPG       bool   `msgpack:"ppg,omitempty"`
	HeartRate bool   `msgpack:"heart_rate,omitempty"`

	// readings
	Electrode   int       `msgpack:"electrode,omitempty"`
	Samples     []float64 `msgpack:"samples,omitempty"`
	BPM         float64   `msgpack:"bpm,omitempty"`
	Battery     float64   `msgpack:"battery,omitempty"`
	Temperature float64   `msgpack:"temperature,omitempty"`
	Accel       []float64 `msgpack:"accel,omitempty"`
	// TimestampMS is unix milliseconds; zero means "now" on receipt.
	TimestampMS int64 `msgpack:"ts,omitempty"`

	// error
	Message string `msgpack:"message,omitempty"`
}

// WriteFrame writes f as a 4-byte big-endian length prefix followed by
// the msgpack body.
func WriteFrame(w io.Writer, f Frame) error {
	body, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("bridge: encode %s frame: %w", f.Type, err)
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bridge: write %s frame: %w", f.Type, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. It returns io.EOF only when
// the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("bridge: read frame body: %w", err)
	}

	var f Frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

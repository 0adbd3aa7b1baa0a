package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession"
)

// CapturePacket is re-exported from biosession.
type CapturePacket = biosession.CapturePacket

// State is the capture controller state.
type State int

const (
	// Idle: routing on, no window opened since creation or disconnect
	Idle State = iota
	// Capturing: routing on, a window is accumulating
	Capturing
	// Paused: routing off, the window is frozen and may be drained
	Paused
	// Draining: a drain is in progress
	Draining
)

// String returns a human-readable string representation of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Paused:
		return "paused"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

var (
	// ErrNotPaused is returned by DrainRawData outside the Paused state.
	ErrNotPaused = errors.New("capture: drain requires a paused capture")
	// ErrDrainInProgress is returned while another drain is running.
	ErrDrainInProgress = errors.New("capture: drain already in progress")
	// ErrNotConnected is returned by CaptureWindow when the session is not Connected.
	ErrNotConnected = errors.New("capture: session not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("capture: controller closed")
)

// ContractError reports a call made in a state that does not allow it.
type ContractError struct {
	Op    string
	State State
	Err   error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("capture: %s in state %s: %v", e.Op, e.State, e.Err)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// Source is the session surface the controller drives.
// *biosession.Session implements it.
type Source interface {
	PauseIngestion()
	ResumeIngestion()
	Drain() biosession.CapturePacket
	State() biosession.ConnectionState
	OnTeardown(fn func()) (remove func())
}

// Stats contains capture statistics
type Stats struct {
	State State
	// Windows is the number of packets drained
	Windows uint64
	// Rejected is the number of calls refused with a ContractError
	Rejected uint64
	// LastWindow is the sample count of the last drained packet
	LastWindow int
}

// Controller orchestrates pause/drain/resume on one session.
type Controller struct {
	src Source

	mu         sync.Mutex
	state      State
	closed     bool
	windows    uint64
	rejected   uint64
	lastWindow int

	removeHook func()
}

// New creates an Idle controller bound to src. The controller returns to
// Idle whenever the session disconnects.
func New(src Source) *Controller {
	c := &Controller{src: src}
	c.removeHook = src.OnTeardown(c.reset)
	return c
}

// Pause stops routing samples into the session buffers. Pausing an
// already paused capture is a no-op.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.state == Draining:
		return c.rejectLocked("pause", ErrDrainInProgress)
	case c.state == Paused:
		return nil
	}

	c.src.PauseIngestion()
	c.setStateLocked(Paused)
	return nil
}

// Resume re-enables routing and opens the next window.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.state == Draining:
		return c.rejectLocked("resume", ErrDrainInProgress)
	case c.state == Capturing:
		return nil
	}

	c.src.ResumeIngestion()
	c.setStateLocked(Capturing)
	return nil
}

// DrainRawData empties every channel into one packet. The caller contract
// is Pause → DrainRawData → Resume; calls outside Paused are rejected.
// The controller stays Paused afterwards.
func (c *Controller) DrainRawData() (CapturePacket, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return CapturePacket{}, ErrClosed
	case c.state == Draining:
		err := c.rejectLocked("drain", ErrDrainInProgress)
		c.mu.Unlock()
		return CapturePacket{}, err
	case c.state != Paused:
		err := c.rejectLocked("drain", ErrNotPaused)
		c.mu.Unlock()
		return CapturePacket{}, err
	}
	c.setStateLocked(Draining)
	c.mu.Unlock()

	packet := c.src.Drain()

	c.mu.Lock()
	c.windows++
	c.lastWindow = packet.SampleCount()
	// A disconnect during the drain already reset us to Idle.
	if c.state == Draining {
		c.setStateLocked(Paused)
	}
	c.mu.Unlock()

	slog.Info("capture: window drained",
		"window_id", packet.Meta.WindowID,
		"session_id", packet.Meta.SessionID,
		"sequence", packet.Meta.Sequence,
		"samples", packet.SampleCount(),
	)
	return packet, nil
}

// CaptureWindow captures exactly the samples that arrive during d:
// it flushes what is buffered, resumes, waits d, pauses and drains.
// Routing is resumed before returning.
//
// If ctx ends first, the partial window is discarded and ctx.Err() is
// returned.
func (c *Controller) CaptureWindow(ctx context.Context, d time.Duration) (CapturePacket, error) {
	if st := c.src.State(); st != biosession.Connected {
		return CapturePacket{}, fmt.Errorf("%w (state %s)", ErrNotConnected, st)
	}

	if err := c.Pause(); err != nil {
		return CapturePacket{}, err
	}
	if _, err := c.DrainRawData(); err != nil {
		return CapturePacket{}, fmt.Errorf("capture: flush before window: %w", err)
	}
	if err := c.Resume(); err != nil {
		return CapturePacket{}, err
	}

	slog.Debug("capture: window opened", "duration", d)

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		slog.Warn("capture: window aborted", "error", ctx.Err())
		c.discardWindow()
		return CapturePacket{}, ctx.Err()
	}

	if err := c.Pause(); err != nil {
		return CapturePacket{}, err
	}
	packet, err := c.DrainRawData()
	if err != nil {
		return CapturePacket{}, err
	}
	if err := c.Resume(); err != nil {
		return packet, err
	}
	return packet, nil
}

// discardWindow drops a partial window and resumes routing.
func (c *Controller) discardWindow() {
	if err := c.Pause(); err != nil {
		slog.Warn("capture: discard window: pause failed", "error", err)
		return
	}
	if _, err := c.DrainRawData(); err != nil {
		slog.Warn("capture: discard window: drain failed", "error", err)
	}
	if err := c.Resume(); err != nil {
		slog.Warn("capture: discard window: resume failed, routing may stay off", "error", err)
	}
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of capture statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:      c.state,
		Windows:    c.windows,
		Rejected:   c.rejected,
		LastWindow: c.lastWindow,
	}
}

// Close detaches the controller from the session and resumes routing if
// it was paused. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.removeHook()
	if c.state == Paused {
		c.src.ResumeIngestion()
	}
	return nil
}

// reset runs on session teardown. The session has already re-enabled
// routing and discarded its buffers.
func (c *Controller) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		c.setStateLocked(Idle)
	}
}

func (c *Controller) rejectLocked(op string, err error) error {
	c.rejected++
	cerr := &ContractError{Op: op, State: c.state, Err: err}
	slog.Warn("capture: call rejected", "op", op, "state", c.state.String(), "error", err)
	return cerr
}

func (c *Controller) setStateLocked(to State) {
	slog.Debug("capture: state changed", "from", c.state.String(), "to", to.String())
	c.state = to
}

/*
Package bridge drives a headband through a vendor bridge subprocess.

The vendor SDKs are not Go, so the device link lives in a helper process
(typically a small Python or Node script around the vendor library). This
package spawns it and talks over its pipes:

	stdout  bridge → Go   length-prefixed msgpack Frames (hello, eeg, ppg, hr, telemetry, error)
	stdin   Go → bridge   length-prefixed msgpack commands (start, stop)
	stderr  bridge logs   mapped to slog levels by their [LEVEL] tag

Framing is a 4-byte big-endian length followed by the msgpack body.

Lifecycle:

	Connect  spawn the process, wait for its hello frame (capabilities)
	Start    send the start command; readings flow to the subscribers
	Disconnect  send stop, close stdin, wait for exit (kill after StopTimeout)

A bridge that exits or stops answering is not restarted here; the session
observes the failure and a fresh Connect spawns a new process.
*/
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/driver/internal/fanout"
)

// ErrNotConnected is returned by Start before a successful Connect.
var ErrNotConnected = errors.New("bridge: not connected")

// ProtocolVersion is the hello protocol version this driver speaks.
const ProtocolVersion = 1

// Config contains bridge process configuration
type Config struct {
	// Command is the bridge executable
	Command string
	// Args are passed to Command
	Args []string
	// Env is appended to the current environment
	Env []string
	// HandshakeTimeout bounds the wait for the hello frame (default: 10s)
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single command write (default: 2s)
	WriteTimeout time.Duration
	// StopTimeout is the grace period before the process is killed (default: 2s)
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	return c
}

// Stats contains bridge statistics
type Stats struct {
	Frames     uint64
	Malformed  uint64
	Device     string
	Pid        int
	LastSeenAt time.Time
}

// process is one spawned bridge.
type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	writeMu sync.Mutex
	readers sync.WaitGroup
	exited  chan struct{}
}

// Driver is a biosession.Driver backed by a bridge subprocess.
type Driver struct {
	cfg Config

	eeg       fanout.List[biosession.EEGReading]
	ppg       fanout.List[biosession.PPGReading]
	hr        fanout.List[biosession.HeartRateReading]
	telemetry fanout.List[biosession.Telemetry]

	mu     sync.Mutex
	proc   *process
	caps   biosession.Capabilities
	device string

	frames     atomic.Uint64
	malformed  atomic.Uint64
	lastSeenAt atomic.Value // time.Time
}

// New creates a driver for the bridge described by cfg.
func New(cfg Config) (*Driver, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("bridge: command is required")
	}
	return &Driver{cfg: cfg.withDefaults()}, nil
}

type helloResult struct {
	frame Frame
	err   error
}

// Connect spawns the bridge and waits for its hello frame.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.proc != nil {
		return fmt.Errorf("bridge: already connected")
	}

	p, err := d.spawn()
	if err != nil {
		return err
	}

	hello := make(chan helloResult, 1)
	p.readers.Add(2)
	go d.readFrames(p, hello)
	go d.logStderr(p)
	go d.waitProcess(p)

	timer := time.NewTimer(d.cfg.HandshakeTimeout)
	defer timer.Stop()

	var res helloResult
	select {
	case res = <-hello:
	case <-ctx.Done():
		res.err = fmt.Errorf("bridge: handshake: %w", ctx.Err())
	case <-timer.C:
		res.err = fmt.Errorf("bridge: handshake timeout after %s", d.cfg.HandshakeTimeout)
	}

	if res.err == nil {
		res.err = checkHello(res.frame)
	}
	if res.err != nil {
		d.terminate(p)
		return res.err
	}

	d.proc = p
	d.caps = biosession.Capabilities{PPG: res.frame.PPG, HeartRate: res.frame.HeartRate}
	d.device = res.frame.Device

	slog.Info("bridge: connected",
		"device", d.device,
		"pid", p.cmd.Process.Pid,
		"ppg", d.caps.PPG,
		"heart_rate", d.caps.HeartRate,
	)
	return nil
}

func checkHello(f Frame) error {
	switch {
	case f.Type == FrameError:
		return fmt.Errorf("bridge: device refused connection: %s", f.Message)
	case f.Type != FrameHello:
		return fmt.Errorf("bridge: handshake: unexpected first frame %q", f.Type)
	case f.Protocol != ProtocolVersion:
		return fmt.Errorf("bridge: handshake: unsupported protocol version %d", f.Protocol)
	}
	return nil
}

func (d *Driver) spawn() (*process, error) {
	cmd := exec.Command(d.cfg.Command, d.cfg.Args...)
	cmd.Env = append(os.Environ(), d.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("bridge: spawn %s: %w", d.cfg.Command, err)
	}

	slog.Info("bridge: process spawned",
		"command", d.cfg.Command,
		"pid", cmd.Process.Pid,
	)

	return &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
	}, nil
}

// Start sends the start command.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	p := d.proc
	d.mu.Unlock()

	if p == nil {
		return ErrNotConnected
	}
	return d.send(ctx, p, Frame{Type: CommandStart})
}

// Disconnect stops the bridge process. Idempotent.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	p, device := d.proc, d.device
	d.proc = nil
	d.mu.Unlock()

	if p == nil {
		return nil
	}

	if err := d.send(context.Background(), p, Frame{Type: CommandStop}); err != nil {
		slog.Debug("bridge: stop command not delivered", "error", err)
	}
	d.terminate(p)

	slog.Info("bridge: disconnected",
		"device", device,
		"frames", d.frames.Load(),
	)
	return nil
}

// terminate closes stdin and waits for the process, killing it after
// StopTimeout.
func (d *Driver) terminate(p *process) {
	// Closing unblocks a write stuck on a hung bridge.
	p.stdin.Close()

	select {
	case <-p.exited:
		return
	case <-time.After(d.cfg.StopTimeout):
	}

	slog.Warn("bridge: stop timeout, killing process", "pid", p.cmd.Process.Pid)
	if err := p.cmd.Process.Kill(); err != nil {
		slog.Error("bridge: kill failed", "pid", p.cmd.Process.Pid, "error", err)
	}
	<-p.exited
}

// send writes a command frame with WriteTimeout protection.
func (d *Driver) send(ctx context.Context, p *process, f Frame) error {
	errc := make(chan error, 1)
	go func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		errc <- WriteFrame(p.stdin, f)
	}()

	select {
	case err := <-errc:
		return err
	case <-time.After(d.cfg.WriteTimeout):
		return fmt.Errorf("bridge: %s command: write timeout (bridge may be hung)", f.Type)
	case <-ctx.Done():
		return fmt.Errorf("bridge: %s command: %w", f.Type, ctx.Err())
	}
}

// readFrames decodes stdout. The first frame answers the handshake;
// every later frame is dispatched to the subscribers.
func (d *Driver) readFrames(p *process, hello chan<- helloResult) {
	defer p.readers.Done()

	first := true
	for {
		f, err := ReadFrame(p.stdout)
		if errors.Is(err, ErrMalformedFrame) && !first {
			d.malformed.Add(1)
			slog.Warn("bridge: skipping malformed frame", "error", err)
			continue
		}
		if err != nil {
			if first {
				hello <- helloResult{err: fmt.Errorf("bridge: handshake: bridge closed stdout: %w", err)}
			} else if !errors.Is(err, io.EOF) {
				slog.Error("bridge: read failed", "error", err)
			}
			return
		}

		d.frames.Add(1)
		d.lastSeenAt.Store(time.Now())

		if first {
			first = false
			hello <- helloResult{frame: f}
			if f.Type != FrameHello {
				return
			}
			continue
		}
		d.dispatch(f)
	}
}

func (d *Driver) dispatch(f Frame) {
	ts := time.Now()
	if f.TimestampMS > 0 {
		ts = time.UnixMilli(f.TimestampMS)
	}

	switch f.Type {
	case FrameEEG:
		d.eeg.Deliver(biosession.EEGReading{Electrode: f.Electrode, Samples: f.Samples, Timestamp: ts})
	case FramePPG:
		d.ppg.Deliver(biosession.PPGReading{Samples: f.Samples, Timestamp: ts})
	case FrameHeartRate:
		d.hr.Deliver(biosession.HeartRateReading{BPM: f.BPM, Timestamp: ts})
	case FrameTelemetry:
		t := biosession.Telemetry{Battery: f.Battery, Temperature: f.Temperature, Timestamp: ts}
		copy(t.Accel[:], f.Accel)
		d.telemetry.Deliver(t)
	case FrameError:
		slog.Error("bridge: device reported error", "message", f.Message)
	case FrameHello:
		slog.Debug("bridge: ignoring repeated hello")
	default:
		d.malformed.Add(1)
		slog.Warn("bridge: unknown frame type", "type", f.Type)
	}
}

// logStderr maps the bridge's "[LEVEL] message" lines to slog levels.
func (d *Driver) logStderr(p *process) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("bridge: process error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("bridge: process warning", "log", line)
		default:
			slog.Debug("bridge: process log", "log", line)
		}
	}
}

// waitProcess reaps the process once both pipes are drained.
func (d *Driver) waitProcess(p *process) {
	p.readers.Wait()
	err := p.cmd.Wait()
	close(p.exited)

	if err != nil {
		slog.Debug("bridge: process exited", "pid", p.cmd.Process.Pid, "error", err)
		return
	}
	slog.Debug("bridge: process exited cleanly", "pid", p.cmd.Process.Pid)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Capabilities reports what the bridge announced in its hello frame.
func (d *Driver) Capabilities() biosession.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
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

// Stats returns bridge statistics.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	st := Stats{Device: d.device}
	if d.proc != nil {
		st.Pid = d.proc.cmd.Process.Pid
	}
	d.mu.Unlock()

	st.Frames = d.frames.Load()
	st.Malformed = d.malformed.Load()
	if v, ok := d.lastSeenAt.Load().(time.Time); ok {
		st.LastSeenAt = v
	}
	return st
}

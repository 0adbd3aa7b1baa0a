package biosession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession/internal/ratestats"
	"github.com/e7canasta/orion-biosense/modules/biosession/internal/synth"
	"github.com/e7canasta/orion-biosense/modules/broadcast"
	"github.com/google/uuid"
)

// Config contains configuration for a DeviceSession
type Config struct {
	// WindowSeconds sizes every channel buffer (rate × window). Default 180.
	WindowSeconds int
	// TelemetryCapacity is the number of telemetry readings kept. Default 64.
	TelemetryCapacity int
	// SyntheticTick is the emission period of fallback generators. Default 250ms.
	SyntheticTick time.Duration
	// RateWindow is the number of batches tracked per channel for arrival stats. Default 64.
	RateWindow int
	// Handshake bounds the retries inside a single Connect.
	Handshake HandshakeConfig
	// Quality derives SignalQuality. Default DefaultElapsedEstimator().
	Quality QualityEstimator
	// Now is the wall clock (tests only). Default time.Now.
	Now func() time.Time
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		WindowSeconds:     180,
		TelemetryCapacity: 64,
		SyntheticTick:     250 * time.Millisecond,
		RateWindow:        64,
		Handshake:         DefaultHandshakeConfig(),
		Quality:           DefaultElapsedEstimator(),
		Now:               time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSeconds > 0 {
		d.WindowSeconds = c.WindowSeconds
	}
	if c.TelemetryCapacity > 0 {
		d.TelemetryCapacity = c.TelemetryCapacity
	}
	if c.SyntheticTick > 0 {
		d.SyntheticTick = c.SyntheticTick
	}
	if c.RateWindow > 1 {
		d.RateWindow = c.RateWindow
	}
	d.Handshake = c.Handshake.withDefaults()
	if c.Quality != nil {
		d.Quality = c.Quality
	}
	if c.Now != nil {
		d.Now = c.Now
	}
	return d
}

// Session is a DeviceSession: it owns the connection lifecycle of one
// driver, demultiplexes the driver streams into a ChannelSet and
// synthesizes the auxiliary channels the hardware lacks.
//
// One Session exists per biometric flow; pass it by reference to the
// capture controller and the stream publisher.
type Session struct {
	driver   Driver
	cfg      Config
	channels *ChannelSet

	state   *broadcast.Value[ConnectionState]
	quality *broadcast.Value[SignalQuality]

	// Lifecycle (guarded by mu)
	mu         sync.Mutex
	epoch      uint64
	cancel     context.CancelFunc
	unsubs     []func()
	generators []*synth.Generator
	synthetic  [NumChannels]bool
	lastErr    *DriverError
	attempts   int

	// handshake is closed once the latest handshake has returned and, if
	// it was stale, undone. The next Connect waits on it before dialing.
	handshake chan struct{}

	sessionID   atomic.Value // string
	connectedAt atomic.Int64 // unix nanos, 0 while not connected

	// Ingestion: routing holds ingestMu.RLock, Drain and Pause hold Lock.
	ingestMu sync.RWMutex
	paused   atomic.Bool

	hooksMu  sync.Mutex
	hooks    map[uint64]func()
	nextHook uint64

	// Statistics (atomic for thread-safety)
	routed            [NumChannels]atomic.Uint64
	rates             [NumChannels]*ratestats.Tracker
	droppedPaused     atomic.Uint64
	unmapped          atomic.Uint64
	telemetryReadings atomic.Uint64
	drains            atomic.Uint64
}

// New creates a disconnected session with fail-fast validation.
func New(driver Driver, cfg Config) (*Session, error) {
	if driver == nil {
		return nil, ErrNilDriver
	}
	cfg = cfg.withDefaults()

	channels, err := NewChannelSet(cfg.WindowSeconds, cfg.TelemetryCapacity)
	if err != nil {
		return nil, err
	}

	s := &Session{
		driver:   driver,
		cfg:      cfg,
		channels: channels,
		state:    broadcast.NewNamed("state", Disconnected),
		quality:  broadcast.NewNamed("quality", Poor),
		hooks:    make(map[uint64]func()),
	}
	s.sessionID.Store("")
	for _, ch := range AllChannels {
		s.rates[ch] = ratestats.NewTracker(ch.Rate(), cfg.RateWindow)
	}

	slog.Info("biosession: session created",
		"window_seconds", cfg.WindowSeconds,
		"synthetic_tick", cfg.SyntheticTick,
		"handshake_attempts", cfg.Handshake.Attempts,
	)
	return s, nil
}

// Connect performs the handshake and starts the per-channel streams.
//
// Connect is a no-op unless the session is Disconnected; it then returns
// the current state. Otherwise it returns Connected or Error. Driver
// failures (including panics) never escape: they put the session in
// Error and are available from LastError.
//
// ctx bounds the handshake only. Streaming runs until Disconnect.
func (s *Session) Connect(ctx context.Context) ConnectionState {
	s.mu.Lock()
	if cur := s.state.Value(); cur != Disconnected {
		s.mu.Unlock()
		slog.Debug("biosession: connect ignored", "state", cur)
		return cur
	}

	s.epoch++
	epoch := s.epoch
	id := uuid.NewString()
	s.sessionID.Store(id)
	s.lastErr = nil
	s.attempts = 0
	s.resetCountersLocked()

	handshakeCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	prev, done := s.handshake, make(chan struct{})
	s.handshake = done
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	slog.Info("biosession: connecting", "session_id", id)

	var (
		attempts int
		err      error
	)
	if prev != nil {
		select {
		case <-prev:
		case <-handshakeCtx.Done():
			err = handshakeCtx.Err()
		}
	}
	if err == nil {
		prev = nil
		attempts, err = runHandshake(handshakeCtx, s.cfg.Handshake, func(ctx context.Context) error {
			return s.driverCall("connect", func() error { return s.driver.Connect(ctx) })
		})
	}
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	defer releaseHandshake(prev, done)

	if s.epoch != epoch {
		// Disconnect ran during the handshake; undo a late success. No
		// newer handshake has reached the driver yet: it waits on done.
		if err == nil {
			slog.Info("biosession: undoing stale handshake", "session_id", id)
			s.disconnectDriver()
		}
		return s.state.Value()
	}
	s.cancel = nil
	s.attempts = attempts

	if err != nil {
		s.failLocked(newDriverError("connect", err))
		return Error
	}

	streamCtx, streamCancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = streamCancel
	s.connectedAt.Store(s.cfg.Now().UnixNano())

	if derr := s.startStreamsLocked(streamCtx); derr != nil {
		s.stopStreamsLocked()
		s.failLocked(derr)
		return Error
	}

	s.setStateLocked(Connected)
	s.quality.Set(s.cfg.Quality.Estimate(QualityInput{}))

	slog.Info("biosession: connected",
		"session_id", id,
		"handshake_attempts", attempts,
		"synthetic_channels", s.syntheticChannelsLocked(),
	)
	return Connected
}

// releaseHandshake closes done once prev, a handshake this Connect gave
// up waiting for, has returned too.
func releaseHandshake(prev <-chan struct{}, done chan struct{}) {
	if prev == nil {
		close(done)
		return
	}
	go func() {
		<-prev
		close(done)
	}()
}

// Disconnect tears down subscriptions and generators, discards buffered
// samples, runs teardown hooks and returns the session to Disconnected.
//
// Unconditional and idempotent: safe from any state, any number of times.
// Synthetic generators are stopped exactly once.
func (s *Session) Disconnect() {
	s.mu.Lock()

	prev := s.state.Value()
	if prev != Disconnected {
		s.epoch++
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.stopStreamsLocked()

		// A handshake still in flight is undone by Connect itself.
		if prev == Connected || prev == Error {
			s.disconnectDriver()
		}

		s.connectedAt.Store(0)
		s.ingestMu.Lock()
		s.channels.Reset()
		s.paused.Store(false)
		s.ingestMu.Unlock()

		s.setStateLocked(Disconnected)
		s.quality.Set(Poor)

		slog.Info("biosession: disconnected",
			"session_id", s.SessionID(),
			"previous_state", prev,
			"drains", s.drains.Load(),
		)
	}
	s.mu.Unlock()

	s.runTeardownHooks()
}

// Close disconnects and stops delivery to every state/quality subscriber.
func (s *Session) Close() {
	s.Disconnect()
	s.state.Close()
	s.quality.Close()
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return s.state.Value()
}

// Quality returns the current derived signal quality.
func (s *Session) Quality() SignalQuality {
	return s.quality.Value()
}

// ObserveState exposes the connection state as a broadcast value.
func (s *Session) ObserveState() broadcast.Observable[ConnectionState] {
	return s.state
}

// ObserveQuality exposes the signal quality as a broadcast value.
func (s *Session) ObserveQuality() broadcast.Observable[SignalQuality] {
	return s.quality
}

// SessionID returns the id of the current (or last) connection epoch.
func (s *Session) SessionID() string {
	return s.sessionID.Load().(string)
}

// LastError returns the classified cause of the last failed Connect, or
// nil. It is cleared by the next Connect.
func (s *Session) LastError() *DriverError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ConnectedFor returns the time since the session reached Connected, or
// zero while not connected.
func (s *Session) ConnectedFor() time.Duration {
	at := s.connectedAt.Load()
	if at == 0 {
		return 0
	}
	return s.cfg.Now().Sub(time.Unix(0, at))
}

// Latest returns up to n of the newest samples of ch without draining.
func (s *Session) Latest(ch Channel, n int) []float64 {
	return s.channels.Latest(ch, n)
}

// LatestTelemetry returns up to n of the newest telemetry readings.
func (s *Session) LatestTelemetry(n int) []Telemetry {
	return s.channels.LatestTelemetry(n)
}

// Capacity returns the buffer capacity of ch in samples.
func (s *Session) Capacity(ch Channel) int {
	return s.channels.Buffer(ch).Cap()
}

// OnTeardown registers fn to run synchronously at the end of every
// Disconnect. The returned function removes the hook.
func (s *Session) OnTeardown(fn func()) (remove func()) {
	s.hooksMu.Lock()
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	s.hooksMu.Unlock()

	return func() {
		s.hooksMu.Lock()
		delete(s.hooks, id)
		s.hooksMu.Unlock()
	}
}

func (s *Session) runTeardownHooks() {
	s.hooksMu.Lock()
	hooks := make([]func(), 0, len(s.hooks))
	for _, fn := range s.hooks {
		hooks = append(hooks, fn)
	}
	s.hooksMu.Unlock()

	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("biosession: teardown hook panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

// startStreamsLocked subscribes to every driver stream, starts fallback
// generators for missing channels and tells the driver to start.
func (s *Session) startStreamsLocked(ctx context.Context) *DriverError {
	var caps Capabilities
	if err := s.driverCall("capabilities", func() error {
		caps = s.driver.Capabilities()
		return nil
	}); err != nil {
		return newDriverError("capabilities", err)
	}

	if err := s.subscribeLocked(func() func() { return s.driver.SubscribeEEG(s.onEEG) }); err != nil {
		return err
	}
	if err := s.subscribeLocked(func() func() { return s.driver.SubscribeTelemetry(s.onTelemetry) }); err != nil {
		return err
	}

	if caps.PPG {
		if err := s.subscribeLocked(func() func() { return s.driver.SubscribePPG(s.onPPG) }); err != nil {
			return err
		}
	} else {
		s.synthesizeLocked(PPG, synth.PPGWave)
	}

	hrSource, native := s.driver.(HeartRateSource)
	switch {
	case caps.HeartRate && native:
		if err := s.subscribeLocked(func() func() { return hrSource.SubscribeHeartRate(s.onHeartRate) }); err != nil {
			return err
		}
	case caps.HeartRate:
		slog.Warn("biosession: driver reports heart rate but exposes no heart-rate stream, synthesizing")
		s.synthesizeLocked(HR, synth.HeartRateWave)
	default:
		s.synthesizeLocked(HR, synth.HeartRateWave)
	}

	for _, g := range s.generators {
		g.Start(ctx)
	}

	if err := s.driverCall("start", func() error { return s.driver.Start(ctx) }); err != nil {
		return newDriverError("start", err)
	}
	return nil
}

func (s *Session) subscribeLocked(subscribe func() func()) *DriverError {
	var unsub func()
	if err := s.driverCall("subscribe", func() error {
		unsub = subscribe()
		return nil
	}); err != nil {
		return newDriverError("subscribe", err)
	}
	if unsub != nil {
		s.unsubs = append(s.unsubs, unsub)
	}
	return nil
}

func (s *Session) synthesizeLocked(ch Channel, wave synth.Waveform) {
	g := synth.New(ch.String(), ch.Rate(), s.cfg.SyntheticTick, wave, func(samples []float64) {
		s.route(ch, samples)
	})
	s.generators = append(s.generators, g)
	s.synthetic[ch] = true
}

// stopStreamsLocked unsubscribes from the driver and stops generators.
// Both lists are cleared, so a second call has nothing to stop.
func (s *Session) stopStreamsLocked() {
	for _, unsub := range s.unsubs {
		if err := s.driverCall("unsubscribe", func() error { unsub(); return nil }); err != nil {
			slog.Warn("biosession: unsubscribe failed", "error", err)
		}
	}
	s.unsubs = nil

	for _, g := range s.generators {
		g.Stop()
	}
	s.generators = nil
	s.synthetic = [NumChannels]bool{}
}

func (s *Session) disconnectDriver() {
	if err := s.driverCall("disconnect", s.driver.Disconnect); err != nil {
		slog.Warn("biosession: driver disconnect failed",
			"error", err,
			"category", ClassifyDriverError(err).String(),
		)
	}
}

func (s *Session) failLocked(derr *DriverError) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.connectedAt.Store(0)
	s.lastErr = derr
	s.setStateLocked(Error)

	slog.Error("biosession: connect failed",
		"session_id", s.SessionID(),
		"op", derr.Op,
		"category", derr.Category.String(),
		"attempts", s.attempts,
		"error", derr.Err,
	)
}

// driverCall runs fn, converting a driver panic into an error.
func (s *Session) driverCall(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w during %s: %v", ErrDriverPanic, op, r)
		}
	}()
	return fn()
}

func (s *Session) setStateLocked(to ConnectionState) {
	from := s.state.Value()
	if from == to {
		return
	}
	if !canTransition(from, to) {
		slog.Error("biosession: illegal state transition ignored",
			"from", from.String(),
			"to", to.String(),
		)
		return
	}
	s.state.Set(to)
	slog.Debug("biosession: state changed", "from", from.String(), "to", to.String())
}

func (s *Session) syntheticChannelsLocked() []Channel {
	var out []Channel
	for _, ch := range AllChannels {
		if s.synthetic[ch] {
			out = append(out, ch)
		}
	}
	return out
}

func (s *Session) resetCountersLocked() {
	for _, ch := range AllChannels {
		s.routed[ch].Store(0)
		s.rates[ch].Reset()
	}
	s.droppedPaused.Store(0)
	s.unmapped.Store(0)
	s.telemetryReadings.Store(0)
	s.drains.Store(0)
}

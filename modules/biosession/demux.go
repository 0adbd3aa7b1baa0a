package biosession

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// onEEG routes an electrode batch to its EEG channel.
func (s *Session) onEEG(r EEGReading) {
	ch, ok := ElectrodeChannel(r.Electrode)
	if !ok {
		s.unmapped.Add(uint64(len(r.Samples)))
		slog.Debug("biosession: unmapped electrode dropped",
			"electrode", r.Electrode,
			"samples", len(r.Samples),
		)
		return
	}
	s.route(ch, r.Samples)
}

func (s *Session) onPPG(r PPGReading) {
	s.route(PPG, r.Samples)
}

func (s *Session) onHeartRate(r HeartRateReading) {
	s.route(HR, []float64{r.BPM})
}

// onTelemetry stores the reading and recomputes signal quality.
func (s *Session) onTelemetry(t Telemetry) {
	s.channels.PushTelemetry(t)
	s.telemetryReadings.Add(1)

	at := s.connectedAt.Load()
	if at == 0 {
		return
	}

	q := s.cfg.Quality.Estimate(QualityInput{
		Connected: s.cfg.Now().Sub(time.Unix(0, at)),
		Telemetry: t,
	})
	if q != s.quality.Value() {
		s.quality.Set(q)
		slog.Debug("biosession: quality changed", "quality", q.String())
	}
}

// route pushes samples into ch unless ingestion is paused, in which case
// they are dropped, not queued.
func (s *Session) route(ch Channel, samples []float64) {
	if len(samples) == 0 {
		return
	}

	s.ingestMu.RLock()
	defer s.ingestMu.RUnlock()

	if s.paused.Load() {
		s.droppedPaused.Add(uint64(len(samples)))
		return
	}

	s.channels.Push(ch, samples...)
	s.routed[ch].Add(uint64(len(samples)))
	s.rates[ch].Observe(len(samples), s.cfg.Now())
}

// PauseIngestion stops routing samples into buffers. Subscriptions stay
// live; samples arriving while paused are discarded. When PauseIngestion
// returns, no push that started before it is still in flight.
func (s *Session) PauseIngestion() {
	s.ingestMu.Lock()
	changed := s.paused.CompareAndSwap(false, true)
	s.ingestMu.Unlock()

	if changed {
		slog.Debug("biosession: ingestion paused", "session_id", s.SessionID())
	}
}

// ResumeIngestion re-enables routing.
func (s *Session) ResumeIngestion() {
	if s.paused.CompareAndSwap(true, false) {
		slog.Debug("biosession: ingestion resumed", "session_id", s.SessionID())
	}
}

// IngestionPaused reports whether samples are currently being dropped.
func (s *Session) IngestionPaused() bool {
	return s.paused.Load()
}

// Drain atomically empties every channel into one packet: no push is
// split across two packets and none is lost between them.
func (s *Session) Drain() CapturePacket {
	s.ingestMu.Lock()
	p := s.channels.DrainAll()
	s.ingestMu.Unlock()

	p.Meta = PacketMeta{
		WindowID:  uuid.NewString(),
		SessionID: s.SessionID(),
		Sequence:  s.drains.Add(1),
		DrainedAt: s.cfg.Now(),
	}

	slog.Debug("biosession: buffers drained",
		"session_id", p.Meta.SessionID,
		"window_id", p.Meta.WindowID,
		"sequence", p.Meta.Sequence,
		"samples", p.SampleCount(),
	)
	return p
}

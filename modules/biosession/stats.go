package biosession

import "time"

// ChannelStats contains per-channel ingestion statistics
type ChannelStats struct {
	Channel Channel `json:"channel"`
	// Routed is the number of samples pushed into the buffer this session
	Routed uint64 `json:"routed"`
	// Buffered is the number of samples currently held
	Buffered int `json:"buffered"`
	// Capacity is the buffer size in samples
	Capacity int `json:"capacity"`
	// Synthetic is true when the channel is generated, not measured
	Synthetic bool `json:"synthetic"`
	// RateHz is the measured arrival rate over recent batches
	RateHz float64 `json:"rate_hz"`
	// JitterMean is the mean deviation of batch intervals
	JitterMean time.Duration `json:"jitter_mean"`
	// Stable is true if the arrival rate is within 15% of nominal
	Stable bool `json:"stable"`
}

// Stats contains current session statistics
type Stats struct {
	SessionID         string          `json:"session_id"`
	State             ConnectionState `json:"state"`
	Quality           SignalQuality   `json:"quality"`
	ConnectedFor      time.Duration   `json:"connected_for"`
	Paused            bool            `json:"paused"`
	HandshakeAttempts int             `json:"handshake_attempts"`
	Channels          []ChannelStats  `json:"channels"`
	// DroppedPaused is the number of samples discarded while paused
	DroppedPaused uint64 `json:"dropped_paused"`
	// Unmapped is the number of samples from electrodes outside 0..3
	Unmapped          uint64 `json:"unmapped"`
	TelemetryReadings uint64 `json:"telemetry_readings"`
	Drains            uint64 `json:"drains"`
	LastError         string `json:"last_error,omitempty"`
}

// Stats returns current session statistics
//
// Thread-safe - uses atomic operations for counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	synthetic := s.synthetic
	attempts := s.attempts
	var lastErr string
	if s.lastErr != nil {
		lastErr = s.lastErr.Error()
	}
	s.mu.Unlock()

	st := Stats{
		SessionID:         s.SessionID(),
		State:             s.state.Value(),
		Quality:           s.quality.Value(),
		ConnectedFor:      s.ConnectedFor(),
		Paused:            s.paused.Load(),
		HandshakeAttempts: attempts,
		Channels:          make([]ChannelStats, 0, NumChannels),
		DroppedPaused:     s.droppedPaused.Load(),
		Unmapped:          s.unmapped.Load(),
		TelemetryReadings: s.telemetryReadings.Load(),
		Drains:            s.drains.Load(),
		LastError:         lastErr,
	}

	for _, ch := range AllChannels {
		arrival := s.rates[ch].Summary()
		st.Channels = append(st.Channels, ChannelStats{
			Channel:    ch,
			Routed:     s.routed[ch].Load(),
			Buffered:   s.channels.Len(ch),
			Capacity:   s.channels.Buffer(ch).Cap(),
			Synthetic:  synthetic[ch],
			RateHz:     arrival.Rate,
			JitterMean: arrival.JitterMean,
			Stable:     arrival.IsStable,
		})
	}
	return st
}

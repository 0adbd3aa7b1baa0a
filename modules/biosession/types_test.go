package biosession

import (
	"encoding/json"
	"testing"
)

func TestChannel_TextRoundTrip(t *testing.T) {
	for _, ch := range AllChannels {
		text, err := ch.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) failed: %v", ch, err)
		}
		var back Channel
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) failed: %v", text, err)
		}
		if back != ch {
			t.Errorf("round trip of %v gave %v", ch, back)
		}
	}

	if _, err := Channel(42).MarshalText(); err == nil {
		t.Error("Expected error for invalid channel")
	}
}

func TestElectrodeChannel(t *testing.T) {
	tests := []struct {
		electrode int
		want      Channel
		ok        bool
	}{
		{0, EEG1, true},
		{1, EEG2, true},
		{2, EEG3, true},
		{3, EEG4, true},
		{4, 0, false},
		{-1, 0, false},
	}
	for _, tt := range tests {
		got, ok := ElectrodeChannel(tt.electrode)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("ElectrodeChannel(%d) = %v, %v; want %v, %v", tt.electrode, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCanTransition(t *testing.T) {
	legal := map[[2]ConnectionState]bool{
		{Disconnected, Connecting}: true,
		{Connecting, Connected}:    true,
		{Connecting, Error}:        true,
		{Connecting, Disconnected}: true,
		{Connected, Disconnected}:  true,
		{Error, Disconnected}:      true,
	}
	states := []ConnectionState{Disconnected, Connecting, Connected, Error}
	for _, from := range states {
		for _, to := range states {
			if got := canTransition(from, to); got != legal[[2]ConnectionState{from, to}] {
				t.Errorf("canTransition(%v, %v) = %v", from, to, got)
			}
		}
	}
}

func TestCapturePacket_JSONShape(t *testing.T) {
	p := CapturePacket{
		EEG: []EEGChannel{{Channel: EEG1, Values: []float64{1}}},
		PPG: []float64{2},
		HR:  []float64{70},
		Meta: PacketMeta{
			WindowID: "w-1",
		},
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"eeg":[{"channel":"TP9","values":[1]}],"ppg":[2],"hr":[70]}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
	if p.SampleCount() != 3 || p.Empty() {
		t.Errorf("SampleCount() = %d, Empty() = %v", p.SampleCount(), p.Empty())
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := HandshakeConfig{RetryDelay: 100_000_000, MaxRetryDelay: 500_000_000}
	want := []int64{100_000_000, 200_000_000, 400_000_000, 500_000_000, 500_000_000}
	for i, w := range want {
		if got := calculateBackoff(i+1, cfg); int64(got) != w {
			t.Errorf("calculateBackoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

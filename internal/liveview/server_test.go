package liveview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/broadcast"
)

type fakePublisher struct {
	state    *broadcast.Value[biosession.ConnectionState]
	quality  *broadcast.Value[biosession.SignalQuality]
	previews [biosession.NumChannels]*broadcast.Value[[]float64]
}

func newFakePublisher() *fakePublisher {
	p := &fakePublisher{
		state:   broadcast.New(biosession.Disconnected),
		quality: broadcast.New(biosession.Poor),
	}
	for _, ch := range biosession.AllChannels {
		p.previews[ch] = broadcast.New([]float64{})
	}
	return p
}

func (p *fakePublisher) State() broadcast.Observable[biosession.ConnectionState] { return p.state }
func (p *fakePublisher) Quality() broadcast.Observable[biosession.SignalQuality] { return p.quality }
func (p *fakePublisher) Preview(ch biosession.Channel) broadcast.Observable[[]float64] {
	return p.previews[ch]
}

type fakeStatus struct {
	stats biosession.Stats
}

func (f fakeStatus) Stats() biosession.Stats { return f.stats }

func newTestServer(t *testing.T) (*Server, *fakePublisher, *httptest.Server) {
	t.Helper()
	pub := newFakePublisher()
	s := New(pub, fakeStatus{stats: biosession.Stats{SessionID: "s-1", State: biosession.Connected}})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, pub, ts
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "alive" {
		t.Errorf("status field = %v, want alive", body["status"])
	}
}

func TestReadiness(t *testing.T) {
	_, pub, ts := newTestServer(t)

	tests := []struct {
		state biosession.ConnectionState
		want  int
	}{
		{biosession.Disconnected, http.StatusServiceUnavailable},
		{biosession.Connecting, http.StatusServiceUnavailable},
		{biosession.Connected, http.StatusOK},
		{biosession.Error, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			pub.state.Set(tt.state)

			resp, err := http.Get(ts.URL + "/readiness")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var body struct {
				State string `json:"state"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.State != tt.state.String() {
				t.Errorf("state = %q, want %q", body.State, tt.state)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body struct {
		SessionID string `json:"session_id"`
		State     string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.SessionID != "s-1" || body.State != "Connected" {
		t.Errorf("status body = %+v", body)
	}
}

type wireEvent struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	At      time.Time       `json:"at"`
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads events until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wireEvent) bool) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var e wireEvent
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(e) {
			return e
		}
	}
}

func TestEventStream(t *testing.T) {
	_, pub, ts := newTestServer(t)
	conn := dial(t, ts)

	e := readUntil(t, conn, func(e wireEvent) bool { return e.Type == EventState })
	if string(e.Data) != `"Disconnected"` {
		t.Errorf("initial state data = %s", e.Data)
	}
	if e.At.IsZero() {
		t.Error("event without timestamp")
	}

	pub.quality.Set(biosession.Fair)
	readUntil(t, conn, func(e wireEvent) bool {
		return e.Type == EventQuality && string(e.Data) == `"Fair"`
	})

	pub.previews[biosession.PPG].Set([]float64{0.5, 0.25})
	e = readUntil(t, conn, func(e wireEvent) bool {
		return e.Type == EventPreview && e.Channel == "PPG" && string(e.Data) != "[]"
	})
	var samples []float64
	if err := json.Unmarshal(e.Data, &samples); err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 || samples[0] != 0.5 {
		t.Errorf("preview samples = %v", samples)
	}
}

func TestEventStream_ClientGone(t *testing.T) {
	s, _, ts := newTestServer(t)
	conn := dial(t, ts)
	readUntil(t, conn, func(e wireEvent) bool { return e.Type == EventState })

	if got := s.Stats().Clients; got != 1 {
		t.Fatalf("Clients = %d, want 1", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Clients != 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler still running after client left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartShutdown(t *testing.T) {
	s := New(newFakePublisher(), fakeStatus{})
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Idempotent.
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestStart_BindError(t *testing.T) {
	s := New(newFakePublisher(), fakeStatus{})
	if err := s.Start("256.0.0.1:bad"); err == nil {
		t.Fatal("expected listen error")
	}
}

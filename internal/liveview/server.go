// Package liveview serves the live session over HTTP: a WebSocket event
// stream for visualization plus health, readiness and status endpoints.
//
//	GET /ws              JSON events {type, channel?, data, at}
//	GET /health          liveness
//	GET /readiness       200 when the headband is connected, 503 otherwise
//	GET /api/v1/status   session statistics
package liveview

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/broadcast"
)

// Event types.
const (
	EventState   = "state"
	EventQuality = "quality"
	EventPreview = "preview"
)

// Publisher is the broadcast surface streamed to clients.
// *streampublisher.Publisher implements it.
type Publisher interface {
	State() broadcast.Observable[biosession.ConnectionState]
	Quality() broadcast.Observable[biosession.SignalQuality]
	Preview(ch biosession.Channel) broadcast.Observable[[]float64]
}

// StatusSource reports session statistics. *biosession.Session implements it.
type StatusSource interface {
	Stats() biosession.Stats
}

// Event is one WebSocket message.
type Event struct {
	Type    string    `json:"type"`
	Channel string    `json:"channel,omitempty"`
	Data    any       `json:"data"`
	At      time.Time `json:"at"`
}

const (
	pingInterval = 20 * time.Second
	writeTimeout = 10 * time.Second
	clientBuffer = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	pub     Publisher
	status  StatusSource
	started time.Time

	mu      sync.Mutex
	srv     *http.Server
	closing chan struct{}
	once    sync.Once

	clients atomic.Int64
	dropped atomic.Uint64
}

// New creates a server streaming pub and reporting status.
func New(pub Publisher, status StatusSource) *Server {
	return &Server{
		pub:     pub,
		status:  status,
		started: time.Now(),
		closing: make(chan struct{}),
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.liveness)
	mux.HandleFunc("GET /readiness", s.readiness)
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /ws", s.eventStream)

	return withLogging(mux)
}

// Start listens on addr and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("liveview: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	slog.Info("liveview: listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/ws", "/health", "/readiness", "/api/v1/status"},
	)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("liveview: server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown ends every WebSocket stream and stops the server, waiting for
// handlers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() { close(s.closing) })

	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
		return fmt.Errorf("liveview: shutdown: %w", err)
	}
	slog.Info("liveview: stopped")
	return nil
}

// Stats contains live view statistics
type Stats struct {
	// Clients is the number of connected WebSocket clients
	Clients int
	// Dropped is the number of events lost to slow clients
	Dropped uint64
}

// Stats returns live view statistics.
func (s *Server) Stats() Stats {
	return Stats{
		Clients: int(s.clients.Load()),
		Dropped: s.dropped.Load(),
	}
}

func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	state := s.pub.State().Value()
	code := http.StatusOK
	if state != biosession.Connected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":   code == http.StatusOK,
		"state":   state,
		"quality": s.pub.Quality().Value(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Stats())
}

// subscribe fans every broadcast into one buffered channel. A client that
// falls behind loses events rather than stalling the broadcasts.
func (s *Server) subscribe() (<-chan Event, func()) {
	events := make(chan Event, clientBuffer)
	done := make(chan struct{})

	emit := func(e Event) {
		e.At = time.Now()
		select {
		case events <- e:
		case <-done:
		default:
			s.dropped.Add(1)
		}
	}

	unsubs := []func(){
		s.pub.State().Subscribe(func(st biosession.ConnectionState) {
			emit(Event{Type: EventState, Data: st})
		}),
		s.pub.Quality().Subscribe(func(q biosession.SignalQuality) {
			emit(Event{Type: EventQuality, Data: q})
		}),
	}
	for _, ch := range biosession.AllChannels {
		label := ch.String()
		unsubs = append(unsubs, s.pub.Preview(ch).Subscribe(func(samples []float64) {
			emit(Event{Type: EventPreview, Channel: label, Data: samples})
		}))
	}

	var once sync.Once
	return events, func() {
		once.Do(func() {
			close(done)
			for _, unsub := range unsubs {
				unsub()
			}
		})
	}
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("liveview: ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	s.clients.Add(1)
	defer s.clients.Add(-1)

	events, unsub := s.subscribe()
	defer unsub()

	// Reading processes control frames and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("liveview: ws write", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.Debug("liveview: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.code,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("liveview: response writer does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

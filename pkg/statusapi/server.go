// Package statusapi provides a loopback-only HTTP and WebSocket status
// feed for a running hub or sensor: a /health endpoint, a /status
// snapshot, and a /events WebSocket stream that mirrors every engine
// event as it happens. It carries no authentication of its own — per
// SPEC_FULL.md §4.6 it is bound to loopback only, trusting the same
// physical-access model the protocol itself trusts on first use.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shdchub/shdc/pkg/engine"
	"github.com/shdchub/shdc/pkg/logging"
)

// StatusFunc returns a point-in-time snapshot of engine state, e.g.
// Hub.Status or Sensor.Status, serialized to JSON on every /status hit.
type StatusFunc func() interface{}

// Server is a loopback HTTP server exposing health, status, and a
// live WebSocket feed of engine events.
type Server struct {
	addr       string
	statusFn   StatusFunc
	log        *logging.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*websocket.Conn]chan []byte
	started  time.Time
}

// New constructs a Server bound to addr (expected to be a loopback
// address such as "127.0.0.1:8600") reporting status via statusFn.
func New(addr string, statusFn StatusFunc, log *logging.Logger) *Server {
	s := &Server{
		addr:     addr,
		statusFn: statusFn,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP server until the background listener exits or
// ctx is canceled, whichever comes first.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status feed listening", logging.Fields{"addr": s.addr})
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop shuts the server down, closing every open WebSocket client.
func (s *Server) Stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	for conn, ch := range s.clients {
		close(ch)
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]chan []byte)
	s.mu.Unlock()

	return s.httpServer.Shutdown(shutdownCtx)
}

// Sink returns an engine.Sink that fans every event out to connected
// WebSocket clients. A slow or disconnected client never blocks the
// engine: its send buffer is dropped instead.
func (s *Server) Sink() engine.Sink {
	return func(ev engine.Event) {
		data, err := json.Marshal(wireEvent{
			Type:      string(ev.Type),
			At:        ev.At,
			DeviceID:  ev.DeviceID,
			EventType: ev.EventType,
			Command:   ev.Command,
			Info:      ev.Info,
		})
		if err != nil {
			s.log.Warn("failed to marshal event for status feed", logging.Fields{"error": err.Error()})
			return
		}

		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, ch := range s.clients {
			select {
			case ch <- data:
			default:
				s.log.Warn("status feed client is slow, dropping event", logging.Fields{})
			}
		}
	}
}

type wireEvent struct {
	Type      string    `json:"type"`
	At        time.Time `json:"at"`
	DeviceID  uint32    `json:"device_id,omitempty"`
	EventType byte      `json:"event_type,omitempty"`
	Command   byte      `json:"command,omitempty"`
	Info      string    `json:"info,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.statusFn()); err != nil {
		s.log.Warn("failed to encode status response", logging.Fields{"error": err.Error()})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}

	ch := make(chan []byte, 32)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain client-initiated reads purely to detect disconnects; the
	// feed is one-directional, so anything received is discarded.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(ch)
				return
			}
		}
	}()

	for data := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

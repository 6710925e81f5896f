// Package statusws is an optional, debug-only HTTP+WebSocket side
// channel that streams operational telemetry (capture ticks, active
// session count) to a browser for local debugging. It plays no part in
// the RFB wire protocol; RFB is a raw TCP binary protocol, not
// WebSocket, so this is kept entirely outside internal/rfb, grounded
// on the teacher's operational-status websocket pattern
// (pkg/desktop/session_registry.go).
package statusws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Snapshot is one telemetry sample broadcast to connected debug clients.
type Snapshot struct {
	Timestamp      int64 `json:"timestamp"`
	ActiveSessions int   `json:"active_sessions"`
	CaptureWidth   int   `json:"capture_width"`
	CaptureHeight  int   `json:"capture_height"`
	TicksTotal     uint64 `json:"ticks_total"`
}

// Hub tracks connected debug clients and fans out Snapshots.
type Hub struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log.With().Str("component", "statusws").Logger(),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Handler upgrades /status connections to WebSocket and registers them
// for broadcast until the peer disconnects.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Broadcast sends snap to every connected debug client, removing any
// whose write fails (the removal runs in its own goroutine once the
// lock is released).
func (h *Hub) Broadcast(snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			go h.remove(conn)
		}
	}
}

// ListenAndServe runs a minimal HTTP server exposing /status on addr
// until it errors or is closed; intended to run in its own goroutine
// started only when --debug-http is set.
func ListenAndServe(addr string, hub *Hub) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", hub.Handler)
	return http.ListenAndServe(addr, mux)
}

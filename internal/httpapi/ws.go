package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
)

// wsEvent is the envelope every websocket message uses.
type wsEvent struct {
	Type string `json:"type"` // status | temperature | cycle
	Data any    `json:"data"`
	At   string `json:"at"`
}

// Hub fans events out to connected websocket clients. Slow clients are
// dropped rather than allowed to block the broadcast path.
type Hub struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]bool
	closed   bool
	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Bearer auth already gates the endpoint; origin checks add
			// nothing for a LAN daemon with no cookie auth.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Broadcast sends one event to every connected client.
func (h *Hub) Broadcast(eventType string, data any) {
	event := wsEvent{Type: eventType, Data: data, At: time.Now().UTC().Format(time.RFC3339)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			L_debug("httpapi: dropping slow websocket client", "error", err)
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.conns {
		conn.Close()
		delete(h.conns, conn)
	}
}

func (h *Hub) add(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = true
	return true
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// handleWS upgrades the connection and parks it in the hub. The read loop
// exists only to notice the client going away; inbound messages are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("httpapi: websocket upgrade failed", "error", err)
		return
	}
	if !s.hub.add(conn) {
		conn.Close()
		return
	}
	L_debug("httpapi: websocket client connected", "ip", getClientIP(r))

	// Immediate snapshot so the client does not wait for the next period.
	s.sendSnapshot()

	go func() {
		defer func() {
			s.hub.remove(conn)
			conn.Close()
			L_debug("httpapi: websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// snapshotLoop pushes a periodic status snapshot to all clients.
func (s *Server) snapshotLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.hub.ClientCount() > 0 {
				s.sendSnapshot()
			}
		}
	}
}

// sendSnapshot broadcasts the current status view.
func (s *Server) sendSnapshot() {
	s.hub.Broadcast("status", s.statusSnapshot())
}

// broadcastStatus pushes the status view after a mutation.
func (s *Server) broadcastStatus() {
	if s.hub.ClientCount() > 0 {
		s.hub.Broadcast("status", s.statusSnapshot())
	}
}

// statusSnapshot assembles the live view: equipment, settings, active cycle,
// latest push reading.
func (s *Server) statusSnapshot() map[string]any {
	snapshot := map[string]any{}

	if status, err := s.deps.Equipment.Status(); err == nil {
		snapshot["equipment"] = status
	}
	if settings, err := s.deps.Settings.Get(); err == nil {
		snapshot["heatTargetSettings"] = settings
	}
	if active, err := s.deps.Engine.Active(); err == nil && active != nil {
		snapshot["cycle"] = active
	}
	if s.deps.Push != nil {
		if reading, err := s.deps.Push.ReadCached(context.Background()); err == nil {
			snapshot["temperature"] = readingBody(reading)
		}
	}
	return snapshot
}

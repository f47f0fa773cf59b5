package devserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Hub tracks push connections per session and fans frames out to them.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	pools map[string]map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "hub"),
		pools:  make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Add registers conn for sessionID
func (h *Hub) Add(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pool, ok := h.pools[sessionID]
	if !ok {
		pool = make(map[*websocket.Conn]struct{})
		h.pools[sessionID] = pool
	}
	pool[conn] = struct{}{}
	h.logger.Debug("push client joined", "session_id", sessionID, "clients", len(pool))
}

// Remove unregisters and closes conn
func (h *Hub) Remove(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	h.removeLocked(sessionID, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *Hub) removeLocked(sessionID string, conn *websocket.Conn) {
	pool := h.pools[sessionID]
	delete(pool, conn)
	if len(pool) == 0 {
		delete(h.pools, sessionID)
	}
}

// Broadcast writes data to every connection of sessionID. Connections
// whose write fails are dropped.
func (h *Hub) Broadcast(sessionID string, data []byte) {
	if len(data) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.pools[sessionID] {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn("ws broadcast failed, dropping connection", "session_id", sessionID, "error", err)
			h.removeLocked(sessionID, conn)
			_ = conn.Close()
		}
	}
}

// Count returns the number of connections for sessionID
func (h *Hub) Count(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pools[sessionID])
}

// CloseAll closes every connection
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sid, pool := range h.pools {
		for conn := range pool {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		delete(h.pools, sid)
	}
}

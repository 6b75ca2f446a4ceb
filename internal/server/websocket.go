package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/events"
)

// writeWait bounds a single broadcast frame so one stalled viewer cannot
// hold the hub lock.
const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	// Local control surface; the dashboard may be opened from any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub manages WebSocket clients and broadcasts mediator events to them. It
// is an events.Publisher so it can sit next to Kafka in an events.Multi.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// HandleWebSocket upgrades r and keeps the connection until the viewer
// hangs up. Inbound frames are discarded.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed.", slog.String("err", err.Error()))
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

// Publish sends ev to every connected client. Write failures drop the
// client; they are not returned.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// A websocket conn allows one writer at a time.
	h.mu.Lock()
	defer h.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("websocket write failed.", slog.String("err", err.Error()))
			delete(h.clients, conn)
			conn.Close()
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

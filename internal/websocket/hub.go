package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mediaqgo/internal/report"
)

const (
	broadcastBuffer = 16
	writeTimeout    = 10 * time.Second
	readTimeout     = 60 * time.Second
)

type Message struct {
	Type   string        `json:"type"`
	Report report.Report `json:"report"`
}

type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	// writeMu serializes writes; a connection allows one writer at a time.
	writeMu sync.Mutex

	last      atomic.Pointer[[]byte]
	broadcast chan []byte
	upgrader  websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, broadcastBuffer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run writes queued reports to every client until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

func (h *Hub) send(msg []byte) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for _, client := range clients {
		if err := write(client, msg); err != nil {
			slog.Debug("Dropping websocket client", "error", err)
			client.Close()
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
		}
	}
}

// Publish queues a report for all clients. When the buffer is full the
// report is dropped; the next one supersedes it anyway.
func (h *Hub) Publish(rep report.Report) {
	msg, err := json.Marshal(Message{Type: "report", Report: rep})
	if err != nil {
		slog.Error("Failed to marshal report", "error", err)
		return
	}

	h.last.Store(&msg)

	select {
	case h.broadcast <- msg:
	default:
		slog.Debug("Broadcast buffer full, report dropped")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) WsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	slog.Info("Client connected", "remote_addr", r.RemoteAddr)
	h.writeMu.Lock()
	if last := h.last.Load(); last != nil {
		if err := write(conn, *last); err != nil {
			slog.Debug("Initial report not delivered", "error", err)
		}
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	h.writeMu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		slog.Info("Client disconnected", "remote_addr", r.RemoteAddr)
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WS read error", "error", err)
			}
			break
		}
	}
}

func (h *Hub) closeAll() {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		client.Close()
		delete(h.clients, client)
	}
}

func write(conn *websocket.Conn, msg []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsSendBuffer    = 64
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
	wsPongWait      = 60 * time.Second
	wsMaxMessageLen = 512
)

// wsEnvelope is the frame pushed to event stream subscribers.
type wsEnvelope struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The add-on is only reachable through the supervisor ingress.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans device events out to connected event stream clients. It satisfies
// the manager's event sink, so trackers publish through it directly.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*wsClient]struct{})}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		_ = client.conn.Close()
	}
	h.mu.Unlock()
}

// Broadcast pushes one event to every connected client. Slow clients drop
// frames instead of stalling the trackers that publish; the sends stay under
// the lock so a concurrent disconnect cannot close a channel mid-send.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := json.Marshal(wsEnvelope{Type: eventType, At: time.Now().UTC(), Data: payload})
	if err != nil {
		h.logger.Error("event marshal failed", "type", eventType, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("event stream client connected", "clients", count)

	go client.writePump()
	client.readPump()
	h.unregister(client)
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	if _, registered := h.clients[client]; registered {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	_ = client.conn.Close()
	h.logger.Debug("event stream client disconnected", "clients", count)
}

// readPump discards inbound frames; the stream is one-way. It exists to
// notice closed connections and to answer protocol pings.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(wsMaxMessageLen)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

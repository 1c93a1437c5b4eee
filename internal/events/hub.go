// Package events fans call events out to WebSocket clients.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

const (
	// DefaultSendBuffer is the number of pending messages a client may queue
	// before it is considered too slow and dropped.
	DefaultSendBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Message types sent to clients.
const (
	MessageCallEvent = "call_event"
	MessagePong      = "pong"
)

// Message is the envelope of everything written to a client.
type Message struct {
	Type  string            `json:"type"`
	Event *models.CallEvent `json:"event,omitempty"`
}

// clientMessage is what clients send us.
type clientMessage struct {
	Type string `json:"type"`
}

// Opts configures a Hub.
type Opts struct {
	AllowedOrigin string
	SendBuffer    int
}

// Option configures a Hub.
type Option func(*Opts)

// WithAllowedOrigin restricts upgrades to requests from origin. "*" allows any origin.
func WithAllowedOrigin(origin string) Option {
	return func(o *Opts) {
		o.AllowedOrigin = origin
	}
}

// WithSendBuffer sets the per-client queue length.
func WithSendBuffer(n int) Option {
	return func(o *Opts) {
		o.SendBuffer = n
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub tracks connected clients and broadcasts to all of them.
type Hub struct {
	upgrader   websocket.Upgrader
	sendBuffer int

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a Hub.
func NewHub(opts ...Option) *Hub {
	cfg := Opts{SendBuffer: DefaultSendBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	allowed := cfg.AllowedOrigin
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed == "" || allowed == "*" || origin == allowed
			},
		},
		sendBuffer: cfg.SendBuffer,
		clients:    make(map[string]*client),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts a call event. It never blocks.
func (h *Hub) Publish(ev models.CallEvent) {
	h.Broadcast(Message{Type: MessageCallEvent, Event: &ev})
}

// Broadcast sends msg to every client, dropping those whose queue is full.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Hub.Broadcast: marshal failed", "type", msg.Type, "error", err)
		return
	}
	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		slog.Warn("Hub.Broadcast: dropping slow client", "client_id", c.id)
		h.remove(c)
	}
}

// ServeClient upgrades the request and serves clientID until it disconnects.
// A second connection with the same id replaces the first.
func (h *Hub) ServeClient(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Hub.ServeClient: upgrade failed", "client_id", clientID, "error", err)
		return
	}
	c := &client{id: clientID, conn: conn, send: make(chan []byte, h.sendBuffer)}

	h.mu.Lock()
	if old, ok := h.clients[clientID]; ok {
		old.close()
	}
	h.clients[clientID] = c
	h.mu.Unlock()
	slog.Info("Hub.ServeClient: client connected", "client_id", clientID)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
}

// sendTo queues data for c if it is still registered.
func (h *Hub) sendTo(c *client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c.id] != c {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		slog.Info("Hub: client disconnected", "client_id", c.id)
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Hub: read failed", "client_id", c.id, "error", err)
			}
			return
		}
		if msg.Type == "ping" {
			data, _ := json.Marshal(Message{Type: MessagePong})
			h.sendTo(c, data)
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Hub: write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

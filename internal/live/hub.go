// Package live fans tracker events out to websocket subscribers.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event types sent on the feed.
const (
	TypePunch     = "punch"
	TypeHeartbeat = "heartbeat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

// Event is one message on the live feed.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	CompanyName string    `json:"company_name"`
	At          time.Time `json:"at"`
	Data        any       `json:"data"`
}

type client struct {
	conn    *websocket.Conn
	company string
	send    chan []byte
}

// Hub keeps the subscriber set. Run must be running for Publish and
// ServeHTTP to make progress.
type Hub struct {
	log        slog.Logger
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan Event
	done       chan struct{}
	onCount    func(int)

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub. onCount, if set, is called with the subscriber
// count whenever it changes.
func NewHub(logger slog.Logger, onCount func(int)) *Hub {
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		done:       make(chan struct{}),
		onCount:    onCount,
		clients:    make(map[*client]struct{}),
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run dispatches events until ctx is done, then disconnects every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.counted()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.counted()
			h.log.Debug(ctx, "live client registered", slog.F("company", c.company), slog.F("total", h.Count()))

		case c := <-h.unregister:
			h.remove(c)

		case e := <-h.broadcast:
			data, err := json.Marshal(e)
			if err != nil {
				h.log.Error(ctx, "marshal live event", slog.F("type", e.Type), slog.Error(err))
				continue
			}
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				if c.company != "" && c.company != e.CompanyName {
					continue
				}
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.log.Warn(ctx, "dropping slow live client", slog.F("company", c.company))
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.counted()
	}
}

func (h *Hub) counted() {
	if h.onCount != nil {
		h.onCount(h.Count())
	}
}

// Publish queues e for delivery. It never blocks: when the buffer is full
// or the hub has stopped the event is dropped.
func (h *Hub) Publish(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case h.broadcast <- e:
	case <-h.done:
	default:
		h.log.Warn(context.Background(), "live feed full, event dropped", slog.F("type", e.Type))
	}
}

// ServeHTTP upgrades the request and streams events. The optional
// company_name query parameter restricts the feed to one company.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "live upgrade failed", slog.Error(err))
		return
	}
	c := &client{
		conn:    conn,
		company: r.URL.Query().Get("company_name"),
		send:    make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(r.Context(), c)
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug(ctx, "live client closed", slog.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

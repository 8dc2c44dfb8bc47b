package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/market-sim/internal/feed"
	"github.com/atmx/market-sim/internal/metrics"
)

// ErrNoSubscribers is returned by SendToGroup when nobody listens to a group.
var ErrNoSubscribers = errors.New("trade: no subscribers for group")

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type   string    `json:"type"`
	Group  string    `json:"group,omitempty"`
	Coin   string    `json:"coin,omitempty"`
	UserID string    `json:"user_id,omitempty"`
	Text   string    `json:"text,omitempty"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
}

type outbound struct {
	group string // empty → every client
	data  []byte
}

type subscription struct {
	conn  *websocket.Conn
	group string
}

// WSHub manages WebSocket connections. Every client receives the market
// feed; clients connected with ?group=<id> also receive that group's
// announcements.
type WSHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan outbound
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called in
// a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.group
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "group", sub.group, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, group := range h.clients {
				if msg.group != "" && msg.group != group {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Broadcast sends a message to all connected clients, or only to the
// group's subscribers when msg.Group is set.
func (h *WSHub) Broadcast(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- outbound{group: msg.Group, data: data}:
		return nil
	default:
		// Drop if buffer full to avoid blocking the caller.
		return errors.New("trade: ws broadcast buffer full")
	}
}

// Subscribers counts clients listening to group.
func (h *WSHub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n int
	for _, g := range h.clients {
		if g == group {
			n++
		}
	}
	return n
}

// SendToGroup delivers an announcement to group's subscribers.
func (h *WSHub) SendToGroup(_ context.Context, group, text string) error {
	if h.Subscribers(group) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscribers, group)
	}
	return h.Broadcast(WSMessage{Type: "announcement", Group: group, Text: text, At: time.Now().UTC()})
}

// Publish forwards feed events to every client.
func (h *WSHub) Publish(_ context.Context, evs ...feed.Event) error {
	var errs []error
	for _, e := range evs {
		err := h.Broadcast(WSMessage{
			Type:   string(e.Kind),
			Coin:   string(e.Asset),
			UserID: e.UserID,
			At:     e.At,
			Data:   e.Data,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws[?group=<id>].
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, group: group}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. WriteControl is
	// safe alongside the hub's writes.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}

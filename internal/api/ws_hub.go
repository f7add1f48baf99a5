// WebSocket hub for per-user reservation notifications.

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fiomkt/market-engine/internal/metrics"
	"github.com/fiomkt/market-engine/internal/reservation"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

type client struct {
	userID string
	conn   *websocket.Conn
}

type delivery struct {
	userID string
	data   []byte
}

// WSHub manages WebSocket connections and pushes notifications to the
// connections of their recipient. It implements reservation.Notifier.
type WSHub struct {
	clients    map[*client]bool
	deliver    chan delivery
	register   chan *client
	unregister chan *client
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
}

var _ reservation.Notifier = (*WSHub)(nil)

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*client]bool),
		deliver:    make(chan delivery, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done, then closes
// every connection. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.NotificationClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.NotificationClients.Set(float64(total))
			slog.Info("ws client connected", "user", c.userID, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.NotificationClients.Set(float64(total))

		case d := <-h.deliver:
			h.mu.Lock()
			for c := range h.clients {
				if c.userID != d.userID {
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := c.conn.WriteMessage(websocket.TextMessage, d.data); err != nil {
					c.conn.Close()
					delete(h.clients, c)
				}
			}
			metrics.NotificationClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// Notify queues n for the recipient's connections. Users without a live
// connection miss the push.
func (h *WSHub) Notify(_ context.Context, n reservation.Notification) {
	data, err := json.Marshal(WSMessage{
		Type:     n.Type,
		Title:    n.Title,
		Body:     n.Body,
		Metadata: n.Metadata,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	select {
	case h.deliver <- delivery{userID: n.UserID, data: data}:
	default:
		// Drop if buffer full to avoid blocking reservation writes.
		metrics.NotificationsDropped.Inc()
	}
}

// Connected returns how many connections userID has open.
func (h *WSHub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.userID == userID {
			n++
		}
	}
	return n
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin policy is enforced by the CORS layer.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. Browsers
// cannot set headers on the upgrade, so user_id is also accepted as a
// query parameter.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		writeError(w, "user id is required", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{userID: userID, conn: conn}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
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

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
			}
			h.mu.RLock()
			_, ok := h.clients[c]
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

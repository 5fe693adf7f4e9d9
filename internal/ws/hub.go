// Package ws delivers exchange events to websocket clients. Every client
// hears the public orders channel; a client that connects with a valid token
// also hears its own user channel.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xtrntr/spotmatch/internal/events"
	"go.uber.org/zap"
)

// KindSnapshot is sent once to each client right after it connects
const KindSnapshot events.Kind = "orders.snapshot"

const writeWait = 5 * time.Second

// TokenVerifier resolves a bearer token to a user id
type TokenVerifier interface {
	GetUserFromToken(token string) (int64, error)
}

// SnapshotFunc returns the payload of the snapshot message
type SnapshotFunc func(ctx context.Context) (any, error)

type client struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	channels map[string]struct{}
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) subscribed(channels []string) bool {
	for _, ch := range channels {
		if _, ok := c.channels[ch]; ok {
			return true
		}
	}
	return false
}

// Hub tracks connected clients and implements events.Publisher
type Hub struct {
	upgrader websocket.Upgrader
	auth     TokenVerifier
	snapshot SnapshotFunc
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(auth TokenVerifier, snapshot SnapshotFunc, logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Origins are enforced by the CORS layer
			},
		},
		auth:     auth,
		snapshot: snapshot,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// ServeHTTP upgrades the connection and keeps it registered until the peer
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channels := map[string]struct{}{events.ChannelOrders: {}}
	if token := bearerToken(r); token != "" {
		userID, err := h.auth.GetUserFromToken(token)
		if err != nil {
			http.Error(w, `{"error": "Invalid token"}`, http.StatusUnauthorized)
			return
		}
		channels[events.UserChannel(userID)] = struct{}{}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{conn: conn, channels: channels}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer h.remove(c)

	if h.snapshot != nil {
		if err := h.sendSnapshot(r.Context(), c); err != nil {
			h.logger.Warn("failed to send snapshot", zap.Error(err))
			return
		}
	}

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) sendSnapshot(ctx context.Context, c *client) error {
	payload, err := h.snapshot(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(events.Event{
		ID:         uuid.New(),
		Kind:       KindSnapshot,
		Channels:   []string{events.ChannelOrders},
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.write(data)
}

// Publish writes e to every client subscribed to one of its channels.
// Clients that cannot be written to are dropped.
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	var failed []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscribed(e.Channels) {
			continue
		}
		if err := c.write(data); err != nil {
			h.logger.Debug("dropping websocket client", zap.Error(err))
			failed = append(failed, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range failed {
		h.remove(c)
	}
	return nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.conn.Close()
	}
}

package server

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/odvcencio/barehub/pkg/logging"
	"github.com/odvcencio/barehub/pkg/object"
	"github.com/odvcencio/barehub/pkg/repo"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// clientBuffer is how many snapshots a slow client may fall behind
	// before it is dropped.
	clientBuffer = 8
)

var errHubClosed = errors.New("events hub is shut down")

var upgrader = websocket.Upgrader{
	// Cross-origin access is unrestricted, matching the HTTP API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type MessageType string

const MessageTypeBranches MessageType = "branches"

// UpdateMessage is one frame of the events feed.
type UpdateMessage struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan UpdateMessage
	// last is the most recent snapshot queued for this client.
	last map[string]object.Hash
}

// Hub pushes branch-head snapshots to websocket clients. A snapshot is sent
// on connect and again whenever a refresh finds the heads differ from what
// that client last received.
type Hub struct {
	repo   *repo.Repo
	logger *logging.Logger

	refresh chan struct{}

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(r *repo.Repo, logger *logging.Logger) *Hub {
	return &Hub{
		repo:    r,
		logger:  logger,
		refresh: make(chan struct{}, 1),
		clients: make(map[*client]struct{}),
	}
}

// Notify asks Run to re-read branch heads. It never blocks; requests that
// arrive while one is pending are merged.
func (h *Hub) Notify() {
	select {
	case h.refresh <- struct{}{}:
	default:
	}
}

// Run serves refresh requests until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-h.refresh:
			h.publish()
		}
	}
}

// publish reads heads under the lock so snapshots reach every client in
// the order they were taken.
func (h *Hub) publish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	heads, err := h.repo.BranchHeads()
	if err != nil {
		h.logger.Warn("read branch heads", zap.Error(err))
		return
	}
	msg := UpdateMessage{Type: MessageTypeBranches, Data: heads}
	for c := range h.clients {
		if maps.Equal(c.last, heads) {
			continue
		}
		select {
		case c.send <- msg:
			c.last = heads
		default:
			h.logger.Warn("events client too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// register queues the current snapshot for c and adds it to the hub.
func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	heads, err := h.repo.BranchHeads()
	if err != nil {
		return err
	}
	c.send <- UpdateMessage{Type: MessageTypeBranches, Data: heads}
	c.last = heads
	h.clients[c] = struct{}{}
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams snapshots until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.logger.WithRequestID(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan UpdateMessage, clientBuffer)}
	if err := h.register(c); err != nil {
		log.Warn("events client rejected", zap.Error(err))
		_ = conn.Close()
		return
	}
	log.Debug("events client connected", zap.Int("clients", h.ClientCount()))

	go h.writePump(c)
	h.readPump(c)
	log.Debug("events client disconnected")
}

// readPump discards client frames; it exists to observe pongs and the
// close handshake.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Andiesam/test-dpr/internal/approval"
	"github.com/Andiesam/test-dpr/internal/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	refreshPeriod  = 15 * time.Second
	maxMessageSize = 4 * 1024
	sendBuffer     = 16
)

const msgPendingUpdate = "pending_update"

// WSMessage represents messages sent to clients
type WSMessage struct {
	Type string      `json:"type"`
	Data pendingList `json:"data"`
}

// Client represents a WebSocket client
type Client struct {
	id   string
	conn *websocket.Conn
	send chan WSMessage
	hub  *Hub
}

// Hub pushes the pending list to every connected client whenever the
// registry changes.
type Hub struct {
	registry approval.Registry

	mu      sync.Mutex
	clients map[*Client]struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

func NewHub(reg approval.Registry) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry: reg,
		clients:  make(map[*Client]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.watchRegistry()
	return h
}

// Shutdown disconnects every client and stops watching the registry.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		log.Info().Msg("shutting down websocket hub")
		h.cancel()

		h.mu.Lock()
		for client := range h.clients {
			h.dropLocked(client)
		}
		h.mu.Unlock()
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx.Err() != nil {
		return false
	}
	h.clients[c] = struct{}{}
	// first message is the current snapshot
	c.send <- h.snapshot()
	log.Info().Str("client_id", c.id).Int("total", len(h.clients)).Msg("client connected")
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.dropLocked(c)
		log.Info().Str("client_id", c.id).Int("total", len(h.clients)).Msg("client disconnected")
	}
}

func (h *Hub) dropLocked(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) watchRegistry() {
	notifyCh := h.registry.NotifyChannel()
	ticker := time.NewTicker(refreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-notifyCh:
			if !ok {
				return
			}
			h.broadcast()
		case <-ticker.C:
			// catches notifications dropped while the channel was full
			h.broadcast()
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) snapshot() WSMessage {
	return WSMessage{Type: msgPendingUpdate, Data: newPendingList(h.registry.List())}
}

func (h *Hub) broadcast() {
	msg := h.snapshot()

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			log.Warn().Str("client_id", client.id).Msg("websocket client too slow, disconnecting")
			h.dropLocked(client)
		}
	}
}

// readPump only services control frames; clients have nothing to say.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
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

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub      *Hub
	auth     *auth.Manager
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, authManager *auth.Manager) *WSHandler {
	return &WSHandler{
		hub:  hub,
		auth: authManager,
		upgrader: websocket.Upgrader{
			// browsers cannot set headers on upgrade; auth is the token below
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket handles GET /ws. With auth required the token comes from
// the token query parameter or the Authorization header.
func (h *WSHandler) HandleWebSocket(c echo.Context) error {
	clientID := uuid.NewString()

	if h.auth != nil && h.auth.Required() {
		token := c.QueryParam("token")
		if token == "" {
			token = strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		}
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing authentication token")
		}

		user, err := h.auth.ValidateToken(token)
		if err != nil {
			log.Warn().Err(err).Msg("websocket auth failed")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		clientID = user.ID + "-" + clientID[:8]
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := &Client{
		id:   clientID,
		conn: conn,
		send: make(chan WSMessage, sendBuffer),
		hub:  h.hub,
	}

	if !h.hub.add(client) {
		_ = conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()

	return nil
}

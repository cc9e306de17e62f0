package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pong-tournament/internal/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	id       string
	hub      *Hub
	router   *Router
	verifier *auth.Verifier
	conn     *websocket.Conn
	send     chan []byte
	logger   *slog.Logger

	// set by the auth handshake or the upgrade token, read only by readPump
	identity *auth.Identity
}

// ClientMessage is the inbound envelope
type ClientMessage struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type authData struct {
	Token string `json:"token"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, router *Router, verifier *auth.Verifier, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:       id,
		hub:      hub,
		router:   router,
		verifier: verifier,
		conn:     conn,
		send:     make(chan []byte, 256),
		logger:   logger.With("client_id", id),
	}
}

// UserID returns the authenticated user id or zero
func (c *Client) UserID() int64 {
	if c.identity == nil {
		return 0
	}
	return c.identity.UserID
}

// Username returns the authenticated username
func (c *Client) Username() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.Username
}

// readPump pumps messages from the WebSocket connection to the router
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.logger.Warn("invalid message format", "error", err)
			c.sendError(MessageTypeTournament, "invalid message format")
			continue
		}

		c.handleMessage(ctx, &clientMsg)
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(ctx context.Context, msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeAuth:
		c.authenticate(msg.Data)

	case MessageTypeTournament:
		c.router.Handle(ctx, c, msg.Event, msg.Data)

	case MessageTypePing:
		c.Send(&Message{Type: MessageTypePong, Timestamp: time.Now()})

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
		c.sendError(MessageTypeTournament, "unknown message type")
	}
}

func (c *Client) authenticate(data json.RawMessage) {
	var req authData
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(MessageTypeAuth, "invalid auth payload")
		return
	}

	identity, err := c.verifier.Verify(req.Token)
	if err != nil {
		c.logger.Warn("websocket authentication failed", "error", err)
		c.sendError(MessageTypeAuth, "authentication failed")
		return
	}

	c.identity = &identity
	c.logger.Debug("websocket authenticated", "user_id", identity.UserID)
	payload, _ := json.Marshal(map[string]int64{"userId": identity.UserID})
	c.Send(&Message{Type: MessageTypeAuth, Event: EventSuccess, Data: payload, Timestamp: time.Now()})
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One envelope per frame so browsers can JSON.parse each message
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// Send queues msg for this client only
func (c *Client) Send(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping reply", "type", msg.Type, "event", msg.Event)
	}
}

// sendError sends an error envelope of the given type
func (c *Client) sendError(msgType, errMsg string) {
	payload, _ := json.Marshal(map[string]string{"message": errMsg})
	c.Send(&Message{
		Type:      msgType,
		Event:     EventError,
		Data:      payload,
		Timestamp: time.Now(),
	})
}

// ServeWs handles WebSocket requests from peers. A token supplied on the
// upgrade request authenticates the connection immediately.
func ServeWs(hub *Hub, router *Router, verifier *auth.Verifier, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if token := auth.TokenFromRequest(r); token != "" {
		id, err := verifier.Verify(token)
		if err != nil {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		identity = &id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, router, verifier, conn, logger)
	client.identity = identity
	hub.Register(client)

	// Start client goroutines
	go client.writePump()
	go client.readPump(hub.ctx)

	logger.Debug("new websocket connection", "client_id", client.id, "authenticated", identity != nil)
}

package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Message types
const (
	MessageTypeAuth       = "auth"
	MessageTypeTournament = "tournament"
	MessageTypePing       = "ping"
	MessageTypePong       = "pong"
)

// Reply events sent only to the requesting client
const (
	EventDetails = "details"
	EventBracket = "bracket"
	EventError   = "error"
	EventSuccess = "success"
)

// Message is the outbound envelope
type Message struct {
	Type      string          `json:"type"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Relay forwards broadcasts to hubs running in other processes
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	// All connected clients
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Encoded messages for every local client
	broadcast chan []byte

	relay Relay

	// Mutex for thread-safe operations
	mu sync.RWMutex

	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetRelay makes Broadcast also publish to other instances. Call before Run.
func (h *Hub) SetRelay(relay Relay) {
	h.relay = relay
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("websocket hub stopping")
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				if client.conn != nil {
					client.conn.Close()
				}
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case data := <-h.broadcast:
			h.broadcastMessage(data)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends an encoded message to every connected client
func (h *Hub) broadcastMessage(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client's buffer is full, skip
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// Broadcast sends msg to every client connected to this hub and, when a
// relay is set, to every other instance
func (h *Hub) Broadcast(ctx context.Context, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	h.DeliverLocal(data)

	if h.relay != nil {
		if err := h.relay.Publish(ctx, data); err != nil {
			h.logger.Error("failed to relay broadcast", "event", msg.Event, "error", err)
		}
	}
}

// DeliverLocal queues an encoded message for the clients of this hub only
func (h *Hub) DeliverLocal(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

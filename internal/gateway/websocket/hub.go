// Package websocket pushes live run events to connected observers.
// Clients subscribe by event-kind pattern and receive every matching
// timeline event as a notification.
package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/logger"
	ws "github.com/ralphdev/ralph/pkg/websocket"
)

// Hub manages all WebSocket client connections
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for broadcasting event notifications
	broadcast chan *ws.Message

	// Message dispatcher
	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ws.Message, 256),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastEvent(msg)
		}
	}
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// removeClient removes a client from the hub
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastEvent delivers a timeline event to every client whose
// subscription patterns match its kind. Clients with no subscriptions
// receive everything.
func (h *Hub) broadcastEvent(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(msg.Action) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastEvent pushes one timeline event to subscribers. The event
// kind becomes the notification action.
func (h *Hub) BroadcastEvent(kind string, payload map[string]any) {
	msg, err := ws.NewNotification(kind, payload)
	if err != nil {
		h.logger.Error("Failed to build notification", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast buffer full, dropping event", zap.String("kind", kind))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// matchKind reports whether an event kind matches a subscription
// pattern. Patterns are dot-token sequences where * matches one token
// and > matches the remaining tail, mirroring the event bus.
func matchKind(pattern, kind string) bool {
	pt := strings.Split(pattern, ".")
	kt := strings.Split(kind, ".")
	for i, tok := range pt {
		if tok == ">" {
			return true
		}
		if i >= len(kt) {
			return false
		}
		if tok != "*" && tok != kt[i] {
			return false
		}
	}
	return len(pt) == len(kt)
}

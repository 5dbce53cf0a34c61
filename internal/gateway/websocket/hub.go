// Package websocket provides the presence/cursor/event fan-out gateway:
// a Hub of connected Clients, each subscribed to zero or more multiplayer
// sessions, receiving that session's state/cursor/lock/prompt/background
// events as they are published onto the event bus.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kandev/orchestrator/internal/common/logger"
	ws "github.com/kandev/orchestrator/pkg/websocket"
	"go.uber.org/zap"
)

// HistoricalEventsProvider retrieves recent events for a session so a
// client joining late can catch up before live events start flowing.
type HistoricalEventsProvider func(ctx context.Context, sessionID string) ([]*ws.Message, error)

// Hub manages all WebSocket client connections and session fan-out.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed to a given session's events.
	sessionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher

	historicalEventsProvider HistoricalEventsProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *ws.Message, 256),
		dispatcher:         dispatcher,
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for sessionID := range client.sessionSubscriptions {
			if clients, ok := h.sessionSubscribers[sessionID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.sessionSubscribers, sessionID)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage sends a message to every connected client, used only
// for cross-session notifications (health, shutdown warnings).
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// client buffer full, cleaned up by write pump
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to every connected client.
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToSession sends a notification to clients subscribed to a
// session; delivery is fire-and-forget and lossy-per-subscriber under
// backpressure, matching the event bus contract.
func (h *Hub) BroadcastToSession(sessionID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal session message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.sessionSubscribers[sessionID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("dropping session message, client buffer full",
				zap.String("session_id", sessionID), zap.String("client_id", client.ID))
		}
	}
}

// SubscribeToSession subscribes a client to a session's event fan-out.
func (h *Hub) SubscribeToSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.sessionSubscriptions[sessionID] = true

	h.logger.Debug("client subscribed to session",
		zap.String("client_id", client.ID), zap.String("session_id", sessionID))
}

// UnsubscribeFromSession unsubscribes a client from a session's fan-out.
func (h *Hub) UnsubscribeFromSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.sessionSubscriptions, sessionID)
	if clients, ok := h.sessionSubscribers[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// SetHistoricalEventsProvider sets the provider for catch-up events on subscribe.
func (h *Hub) SetHistoricalEventsProvider(provider HistoricalEventsProvider) {
	h.historicalEventsProvider = provider
}

// GetHistoricalEvents retrieves recent events for a session if a provider is set.
func (h *Hub) GetHistoricalEvents(ctx context.Context, sessionID string) ([]*ws.Message, error) {
	if h.historicalEventsProvider == nil {
		return nil, nil
	}
	return h.historicalEventsProvider(ctx, sessionID)
}

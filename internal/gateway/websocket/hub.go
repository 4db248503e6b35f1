// Package websocket provides the WebSocket gateway: it fans orchestrator
// events out to connected clients, with optional per-topic subscriptions.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/common/logger"
)

// Message is the outbound event envelope pushed to clients.
type Message struct {
	Type      string         `json:"type"`
	Topic     string         `json:"topic,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub manages all WebSocket client connections and topic subscriptions.
// Topics are strings like "workflow:<id>" or "agent:<id>"; clients with
// no subscriptions receive everything.
type Hub struct {
	clients          map[*Client]bool
	topicSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		topicSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *Message, 256),
		logger:           log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run starts the hub's main processing loop.
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
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
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

// Broadcast queues a message for delivery. Messages with a topic go to
// that topic's subscribers plus unfiltered clients; messages without go
// to everyone.
func (h *Hub) Broadcast(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast buffer full, dropping message", zap.String("type", msg.Type))
	}
}

// Subscribe narrows a client to a topic.
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topicSubscribers[topic]; !ok {
		h.topicSubscribers[topic] = make(map[*Client]bool)
	}
	h.topicSubscribers[topic][client] = true

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("topic", topic))
}

// Unsubscribe removes a client's topic subscription.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.topicSubscribers[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topicSubscribers, topic)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(msg.Topic) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump tears the client down.
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
	h.topicSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		for _, topic := range client.topics() {
			if clients, ok := h.topicSubscribers[topic]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.topicSubscribers, topic)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
)

// clientCommand is the inbound control frame: subscribe/unsubscribe to a
// topic.
type clientCommand struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Client is one WebSocket connection.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]bool

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		ID:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 64),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("component", "ws-client"), zap.String("client_id", id)),
	}
}

// topics returns the client's current topic subscriptions.
func (c *Client) topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		out = append(out, topic)
	}
	return out
}

// wants reports whether the client should receive a message on the
// topic. Clients with no subscriptions receive everything.
func (c *Client) wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 || topic == "" {
		return true
	}
	return c.subscriptions[topic]
}

// Run starts the read and write pumps. It returns when the connection
// closes.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// readPump consumes inbound frames, handling subscribe/unsubscribe
// commands.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("unexpected close", zap.Error(err))
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Debug("ignoring malformed client frame", zap.Error(err))
			continue
		}
		switch cmd.Action {
		case "subscribe":
			c.mu.Lock()
			c.subscriptions[cmd.Topic] = true
			c.mu.Unlock()
			c.hub.Subscribe(c, cmd.Topic)
		case "unsubscribe":
			c.mu.Lock()
			delete(c.subscriptions, cmd.Topic)
			c.mu.Unlock()
			c.hub.Unsubscribe(c, cmd.Topic)
		}
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

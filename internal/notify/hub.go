package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"go-agent-presence/internal/core"
)

// MessageNotification is the Message type carrying a core.Notification.
const MessageNotification = "notification"

// Message is one frame queued for a websocket client.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Client is one hub subscriber. A client with no scopes receives every
// notification; otherwise only those of the subscribed workspaces.
type Client struct {
	id     string
	send   chan Message
	mu     sync.RWMutex
	scopes map[string]bool
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// C returns the channel the client's writer drains.
func (c *Client) C() <-chan Message { return c.send }

// Subscribe adds workspace scopes.
func (c *Client) Subscribe(workspaces ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ws := range workspaces {
		c.scopes[ws] = true
	}
}

// Unsubscribe removes workspace scopes.
func (c *Client) Unsubscribe(workspaces ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ws := range workspaces {
		delete(c.scopes, ws)
	}
}

// Scopes returns the subscribed workspaces.
func (c *Client) Scopes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.scopes))
	for ws := range c.scopes {
		out = append(out, ws)
	}
	return out
}

func (c *Client) wants(workspace string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.scopes) == 0 || workspace == "" {
		return true
	}
	return c.scopes[workspace]
}

// Hub fans notifications out to websocket clients. Delivery never blocks:
// a client whose buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	buffer  int
	logger  *slog.Logger
}

// NewHub creates a Hub whose clients buffer up to buffer messages.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		clients: make(map[string]*Client),
		buffer:  buffer,
		logger:  logger,
	}
}

// Register adds a new client.
func (h *Hub) Register() *Client {
	c := &Client{
		id:     uuid.NewString(),
		send:   make(chan Message, h.buffer),
		scopes: make(map[string]bool),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

// Unregister removes the client and closes its channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send queues msg for one client. It reports false when the client is gone
// or its buffer is full.
func (h *Hub) Send(c *Client, msg Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Publish implements Sink.
func (h *Hub) Publish(_ context.Context, n core.Notification) error {
	msg := Message{Type: MessageNotification, Payload: n}
	workspace := n.WorkspaceID()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(workspace) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("websocket client buffer full, notification dropped",
				"client_id", c.id, "agent_id", n.AgentID(), "type", n.Type)
		}
	}
	return nil
}

// Package realtime fans session events out to connected push clients.
package realtime

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/appforge-backend/internal/observability"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

const EventSessionEvent = "session.event"

// SessionChannel names the push channel carrying one session's events.
func SessionChannel(id uuid.UUID) string { return "session:" + id.String() }

// Message is one push payload. Seq is the per-channel event sequence the
// receiver uses to detect gaps and duplicates.
type Message struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Seq     int64           `json:"seq"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Client struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Channels map[string]bool
	Outbound chan Message
	done     chan struct{}
	once     sync.Once
}

// Done is closed when the hub drops the client.
func (c *Client) Done() <-chan struct{} { return c.done }

type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	buffer        int
	subscriptions map[string]map[*Client]bool
}

func NewHub(log *logger.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		log:           log.With("service", "RealtimeHub"),
		buffer:        buffer,
		subscriptions: make(map[string]map[*Client]bool),
	}
}

func (h *Hub) NewClient(userID uuid.UUID) *Client {
	return &Client{
		ID:       uuid.New(),
		UserID:   userID,
		Channels: make(map[string]bool),
		Outbound: make(chan Message, h.buffer),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Subscribe(c *Client, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c.Channels[channel] = true
	clients, ok := h.subscriptions[channel]
	if !ok {
		clients = make(map[*Client]bool)
		h.subscriptions[channel] = clients
	}
	clients[c] = true
	h.log.Debug("client subscribed", "client_id", c.ID, "channel", channel)
}

func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, strings.TrimSpace(channel))
}

func (h *Hub) unsubscribeLocked(c *Client, channel string) {
	delete(c.Channels, channel)
	if clients, ok := h.subscriptions[channel]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subscriptions, channel)
		}
	}
}

// Broadcast never blocks. A client whose buffer is full misses the message
// and is expected to notice the sequence gap and re-read the log.
func (h *Hub) Broadcast(msg Message) {
	if msg.Channel == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subscriptions[msg.Channel] {
		select {
		case c.Outbound <- msg:
		default:
			observability.Current().IncRealtimeDrop()
			h.log.Warn("dropping push message; client buffer full", "client_id", c.ID, "channel", msg.Channel, "seq", msg.Seq)
		}
	}
}

// Subscribers reports how many clients listen on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[channel])
}

// Close unsubscribes c everywhere and closes its outbound channel. It is safe
// to call more than once.
func (h *Hub) Close(c *Client) {
	c.once.Do(func() {
		h.mu.Lock()
		for ch := range c.Channels {
			h.unsubscribeLocked(c, ch)
		}
		close(c.done)
		close(c.Outbound)
		h.mu.Unlock()
	})
}

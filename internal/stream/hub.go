// Package stream fans lifecycle events out to WebSocket subscribers, scoped
// by event group.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// Frame is one message on the stream, in either direction.
type Frame struct {
	Type      string                 `json:"type"`
	Group     string                 `json:"group,omitempty"`
	Groups    []string               `json:"groups,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Client-facing frame types.
const (
	FrameSubscribe            = "subscribe"
	FrameUnsubscribe          = "unsubscribe"
	FrameSubscribeConfirmed   = "subscribe_confirmed"
	FrameUnsubscribeConfirmed = "unsubscribe_confirmed"
	FrameError                = "error"
)

// Hub manages stream client connections and relays bus events to them.
type Hub struct {
	events bus.EventBus

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event

	subs []bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a stream hub over the event bus.
func NewHub(events bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		events:     events,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *bus.Event, 256),
		logger:     log.WithFields(zap.String("component", "stream_hub")),
	}
}

// Run subscribes to every event group and processes client traffic until ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for _, group := range bus.Groups {
		h.subs = append(h.subs, h.events.SubscribeGroup(group, func(_ context.Context, event *bus.Event) error {
			select {
			case h.broadcast <- event:
			default:
				h.logger.Warn("stream broadcast buffer full, dropping event",
					zap.String("event_type", event.Type))
			}
			return nil
		}))
	}

	h.logger.Info("event stream started")
	defer h.logger.Info("event stream stopped")

	for {
		select {
		case <-ctx.Done():
			for _, sub := range h.subs {
				sub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("stream client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
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
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("stream client unregistered", zap.String("client_id", client.ID))
}

// broadcastEvent delivers an event to every client subscribed to its group.
func (h *Hub) broadcastEvent(event *bus.Event) {
	frame := Frame{
		Type:      event.Type,
		Group:     string(event.Group),
		SessionID: event.SessionID,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal stream frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(event.Group) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full; the write pump will clean up.
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

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Client is a single stream connection with its group subscriptions.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu     sync.RWMutex
	groups map[bus.Group]bool

	logger *logger.Logger
}

// NewClient wraps a WebSocket connection. Clients receive nothing until
// they subscribe.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		groups: make(map[bus.Group]bool),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) wants(group bus.Group) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groups[group]
}

// ReadPump pumps control frames from the connection until it closes.
func (c *Client) ReadPump() {
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
				c.logger.Error("stream read error", zap.Error(err))
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("invalid frame")
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *Frame) {
	switch frame.Type {
	case FrameSubscribe:
		c.handleSubscribe(frame)
	case FrameUnsubscribe:
		c.mu.Lock()
		c.groups = make(map[bus.Group]bool)
		c.mu.Unlock()
		c.sendFrame(&Frame{Type: FrameUnsubscribeConfirmed})
	default:
		c.sendError("unknown frame type: " + frame.Type)
	}
}

func (c *Client) handleSubscribe(frame *Frame) {
	groups := make(map[bus.Group]bool, len(frame.Groups))
	confirmed := make([]string, 0, len(frame.Groups))
	for _, name := range frame.Groups {
		group, ok := bus.ParseGroup(name)
		if !ok {
			c.sendError("unknown group: " + name)
			return
		}
		groups[group] = true
		confirmed = append(confirmed, name)
	}
	c.mu.Lock()
	c.groups = groups
	c.mu.Unlock()
	c.sendFrame(&Frame{Type: FrameSubscribeConfirmed, Groups: confirmed})
}

func (c *Client) sendFrame(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("stream client send buffer full")
	}
}

func (c *Client) sendError(message string) {
	c.sendFrame(&Frame{Type: FrameError, Error: message})
}

// WritePump pumps frames from the hub to the connection.
func (c *Client) WritePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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

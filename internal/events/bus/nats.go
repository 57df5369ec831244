package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/config"
	"github.com/fingerdev/finger/internal/common/logger"
)

// NATSMirror republishes every emitted event onto NATS so external
// processes can observe the daemon without holding a WebSocket.
// Subjects follow finger.events.<group>.<type>.
type NATSMirror struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSMirror connects to NATS with reconnection logic.
func NewNATSMirror(cfg config.NATSConfig, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("connected to NATS event mirror", zap.String("url", cfg.URL))
	return &NATSMirror{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "nats_mirror")),
	}, nil
}

// Attach installs the mirror on a memory bus.
func (m *NATSMirror) Attach(b *MemoryEventBus) {
	b.SetMirror(m.publish)
}

func (m *NATSMirror) publish(_ context.Context, event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to marshal mirrored event", zap.Error(err))
		return
	}
	subject := mirrorSubject(event)
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Error("failed to mirror event",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// IsConnected returns connection status.
func (m *NATSMirror) IsConnected() bool {
	return m.conn != nil && m.conn.IsConnected()
}

func mirrorSubject(event *Event) string {
	group := strings.ToLower(string(event.Group))
	eventType := strings.ReplaceAll(event.Type, ".", "_")
	if eventType == "" {
		eventType = "unknown"
	}
	return fmt.Sprintf("finger.events.%s.%s", group, eventType)
}

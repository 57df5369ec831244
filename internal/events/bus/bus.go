// Package bus provides the typed lifecycle event bus for fingerd.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Group classifies events into fixed subscription groups.
type Group string

const (
	GroupSession     Group = "SESSION"
	GroupTask        Group = "TASK"
	GroupTool        Group = "TOOL"
	GroupDialog      Group = "DIALOG"
	GroupProgress    Group = "PROGRESS"
	GroupPhase       Group = "PHASE"
	GroupHumanInLoop Group = "HUMAN_IN_LOOP"
	GroupSystem      Group = "SYSTEM"
)

// Groups lists every supported group in a stable order.
var Groups = []Group{
	GroupSession,
	GroupTask,
	GroupTool,
	GroupDialog,
	GroupProgress,
	GroupPhase,
	GroupHumanInLoop,
	GroupSystem,
}

// ParseGroup returns the group for name, or false if unknown.
func ParseGroup(name string) (Group, bool) {
	for _, g := range Groups {
		if string(g) == name {
			return g, true
		}
	}
	return "", false
}

// Event represents a lifecycle event. Events are immutable after Emit.
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Group       Group                  `json:"group"`
	SessionID   string                 `json:"sessionId,omitempty"`
	AgentID     string                 `json:"agentId,omitempty"`
	TimestampMs int64                  `json:"timestampMs"`
	Timestamp   string                 `json:"timestamp"` // ISO-8601 companion
	Payload     map[string]interface{} `json:"payload"`
}

// New creates an event with a UUID and current timestamps.
func New(eventType string, group Group, payload map[string]interface{}) *Event {
	now := time.Now().UTC()
	return &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Group:       group,
		TimestampMs: now.UnixMilli(),
		Timestamp:   now.Format(time.RFC3339Nano),
		Payload:     payload,
	}
}

// WithSession attaches a session id and returns the event for chaining.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithAgent attaches an agent id and returns the event for chaining.
func (e *Event) WithAgent(agentID string) *Event {
	e.AgentID = agentID
	return e
}

// Handler is a function that handles an event.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe()
	IsValid() bool
}

// HistoryFilter narrows History results. Zero values match everything.
type HistoryFilter struct {
	Type      string
	Group     Group
	SessionID string
	AgentID   string
}

// EventBus is the interface for emitting and observing lifecycle events.
type EventBus interface {
	// Emit stores the event in history and fans it out to subscribers.
	// Handlers run sequentially; a handler failure is logged and does not
	// suppress the other handlers nor the store.
	Emit(ctx context.Context, event *Event) *Event

	// SubscribeType delivers every event with the exact type.
	SubscribeType(eventType string, handler Handler) Subscription

	// SubscribeGroup delivers every event in the group.
	SubscribeGroup(group Group, handler Handler) Subscription

	// History returns up to limit most recent matching events, oldest first.
	// limit <= 0 means no limit beyond the retention bound.
	History(filter HistoryFilter, limit int) []*Event

	// Close tears the bus down; subsequent emits are dropped.
	Close()
}

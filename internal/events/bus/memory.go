package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
)

// DefaultHistoryLimit bounds the event history ring when no limit is configured.
const DefaultHistoryLimit = 1000

// MemoryEventBus implements EventBus in process memory with a bounded
// history ring. It is the authoritative bus; a NATS mirror may be attached
// for external subscribers.
type MemoryEventBus struct {
	mu            sync.RWMutex
	byType        map[string][]*memorySubscription
	byGroup       map[Group][]*memorySubscription
	history       []*Event
	historyLimit  int
	closed        bool
	logger        *logger.Logger
	mirror        func(ctx context.Context, event *Event)
}

type memorySubscription struct {
	bus     *MemoryEventBus
	key     string // event type, or group name for group subscriptions
	group   bool
	handler Handler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.group {
		subs := s.bus.byGroup[Group(s.key)]
		for i, sub := range subs {
			if sub == s {
				s.bus.byGroup[Group(s.key)] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		return
	}
	subs := s.bus.byType[s.key]
	for i, sub := range subs {
		if sub == s {
			s.bus.byType[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates an in-memory event bus retaining up to
// historyLimit events (DefaultHistoryLimit when <= 0).
func NewMemoryEventBus(historyLimit int, log *logger.Logger) *MemoryEventBus {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &MemoryEventBus{
		byType:       make(map[string][]*memorySubscription),
		byGroup:      make(map[Group][]*memorySubscription),
		historyLimit: historyLimit,
		logger:       log.WithFields(zap.String("component", "event_bus")),
	}
}

// SetMirror installs a hook invoked after each successful emit.
// Used to mirror events onto NATS.
func (b *MemoryEventBus) SetMirror(mirror func(ctx context.Context, event *Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = mirror
}

// Emit stores the event and runs all matching handlers sequentially.
func (b *MemoryEventBus) Emit(ctx context.Context, event *Event) *Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return event
	}

	b.history = append(b.history, event)
	if len(b.history) > b.historyLimit {
		// FIFO eviction, oldest first
		b.history = b.history[len(b.history)-b.historyLimit:]
	}

	subs := make([]*memorySubscription, 0, 4)
	subs = append(subs, b.byType[event.Type]...)
	subs = append(subs, b.byGroup[event.Group]...)
	mirror := b.mirror
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		b.invoke(ctx, sub, event)
	}

	if mirror != nil {
		mirror(ctx, event)
	}

	return event
}

func (b *MemoryEventBus) invoke(ctx context.Context, sub *memorySubscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("event_type", event.Type),
				zap.Any("panic", r))
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler error",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

// SubscribeType delivers every event with the exact type.
func (b *MemoryEventBus) SubscribeType(eventType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySubscription{bus: b, key: eventType, handler: handler, active: true}
	b.byType[eventType] = append(b.byType[eventType], sub)
	return sub
}

// SubscribeGroup delivers every event in the group.
func (b *MemoryEventBus) SubscribeGroup(group Group, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySubscription{bus: b, key: string(group), group: true, handler: handler, active: true}
	b.byGroup[group] = append(b.byGroup[group], sub)
	return sub
}

// History returns up to limit most recent matching events, oldest first.
func (b *MemoryEventBus) History(filter HistoryFilter, limit int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]*Event, 0, len(b.history))
	for _, evt := range b.history {
		if filter.Type != "" && evt.Type != filter.Type {
			continue
		}
		if filter.Group != "" && evt.Group != filter.Group {
			continue
		}
		if filter.SessionID != "" && evt.SessionID != filter.SessionID {
			continue
		}
		if filter.AgentID != "" && evt.AgentID != filter.AgentID {
			continue
		}
		matched = append(matched, evt)
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Close tears the bus down.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.byType {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	for _, subs := range b.byGroup {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.byType = make(map[string][]*memorySubscription)
	b.byGroup = make(map[Group][]*memorySubscription)
	b.logger.Info("memory event bus closed")
}

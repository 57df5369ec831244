// Package fsm provides the generic state machine used by tasks, agents,
// workflows, and the orchestrator, plus their transition tables.
package fsm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// Wildcard matches any state in a rule's From or To.
const Wildcard = "*"

// ContextKeyState is where the machine mirrors its current state into the
// context. Wildcard-To actions set the next state through this key.
const ContextKeyState = "currentState"

// Context is the machine's mutable key/value state.
type Context map[string]interface{}

// Guard inspects the context and decides whether a rule applies.
type Guard func(c Context) bool

// Action runs as part of a successful transition. Wildcard-To rules must set
// ContextKeyState to the next state; if they leave it unchanged the
// transition is rejected.
type Action func(c Context, history []HistoryEntry)

// Rule is one declared transition.
type Rule struct {
	From    string
	To      string
	Trigger string
	Guard   Guard
	Action  Action
}

// HistoryEntry records one applied transition.
type HistoryEntry struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Trigger   string `json:"trigger"`
	Round     int    `json:"round"`
	AppliedMs int64  `json:"appliedMs"`
}

// Machine evaluates its rules in declaration order; the first rule whose
// From matches and whose guard passes wins. Unknown triggers are no-ops.
type Machine struct {
	mu      sync.Mutex
	name    string
	id      string
	state   string
	context Context
	history []HistoryEntry
	rules   []Rule
	events  bus.EventBus
	logger  *logger.Logger
}

// NewMachine creates a machine. events may be nil. name labels the machine
// kind ("workflow", "task", ...) and id the instance.
func NewMachine(name, id, initial string, rules []Rule, events bus.EventBus, log *logger.Logger) *Machine {
	return &Machine{
		name:    name,
		id:      id,
		state:   initial,
		context: Context{ContextKeyState: initial},
		rules:   rules,
		events:  events,
		logger: log.WithFields(
			zap.String("component", "fsm"),
			zap.String("machine", name),
			zap.String("id", id)),
	}
}

// Trigger merges the context update and attempts a transition. Returns true
// when a transition applied.
func (m *Machine) Trigger(ctx context.Context, trigger string, update Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range update {
		m.context[k] = v
	}
	m.context[ContextKeyState] = m.state

	for _, rule := range m.rules {
		if rule.Trigger != trigger {
			continue
		}
		if rule.From != Wildcard && rule.From != m.state {
			continue
		}
		if rule.Guard != nil && !rule.Guard(m.context) {
			continue
		}

		next := rule.To
		if next == Wildcard {
			if rule.Action == nil {
				return false
			}
			rule.Action(m.context, m.history)
			set, _ := m.context[ContextKeyState].(string)
			if set == "" || set == m.state {
				return false
			}
			next = set
		} else if rule.Action != nil {
			rule.Action(m.context, m.history)
		}

		from := m.state
		m.state = next
		m.context[ContextKeyState] = next
		round := len(m.history) + 1
		m.history = append(m.history, HistoryEntry{
			From:      from,
			To:        next,
			Trigger:   trigger,
			Round:     round,
			AppliedMs: time.Now().UnixMilli(),
		})

		m.logger.Debug("transition applied",
			zap.String("from", from),
			zap.String("to", next),
			zap.String("trigger", trigger))
		if m.events != nil {
			m.events.Emit(ctx, bus.New("phase_transition", bus.GroupPhase, map[string]interface{}{
				"machine": m.name,
				"id":      m.id,
				"from":    from,
				"to":      next,
				"trigger": trigger,
				"round":   round,
			}))
		}
		return true
	}
	return false
}

// State returns the current state.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Get reads a context value.
func (m *Machine) Get(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.context[key]
	return v, ok
}

// Set writes a context value outside of a trigger.
func (m *Machine) Set(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.context[key] = value
}

// History returns a copy of the transition history.
func (m *Machine) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// Snapshot captures the machine for persistence.
type Snapshot struct {
	Name    string         `json:"name"`
	ID      string         `json:"id"`
	State   string         `json:"state"`
	Context Context        `json:"context"`
	History []HistoryEntry `json:"history"`
}

// Snapshot returns a serialisable copy of the machine.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctxCopy := make(Context, len(m.context))
	for k, v := range m.context {
		ctxCopy[k] = v
	}
	hist := make([]HistoryEntry, len(m.history))
	copy(hist, m.history)
	return Snapshot{Name: m.name, ID: m.id, State: m.state, Context: ctxCopy, History: hist}
}

// Restore loads a snapshot back into the machine.
func (m *Machine) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s.State
	m.context = make(Context, len(s.Context))
	for k, v := range s.Context {
		m.context[k] = v
	}
	m.context[ContextKeyState] = s.State
	m.history = make([]HistoryEntry, len(s.History))
	copy(m.history, s.History)
}

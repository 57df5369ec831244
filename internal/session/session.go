// Package session owns session lifecycle, the per-session message log, and
// the input lock that serialises which client may type into a session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// Session statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session is one conversation scope.
type Session struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name,omitempty"`
	Status      string                 `json:"status"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAtMs int64                  `json:"createdAtMs"`
	UpdatedAtMs int64                  `json:"updatedAtMs"`
}

// Message is one entry of a session's message log.
type Message struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	Role        string `json:"role"`
	Type        string `json:"type,omitempty"`
	Content     string `json:"content"`
	TimestampMs int64  `json:"timestampMs"`
}

// Manager tracks sessions and their message logs. Messages are mirrored to
// <dir>/<sessionId>/messages.jsonl best-effort; memory stays authoritative.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
	current  string
	dir      string
	events   bus.EventBus
	logger   *logger.Logger
}

// NewManager creates a session manager persisting under dir.
func NewManager(dir string, events bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		dir:      dir,
		events:   events,
		logger:   log.WithFields(zap.String("component", "session_manager")),
	}
}

// Create makes a new session and selects it as current when none is set.
func (m *Manager) Create(ctx context.Context, name string, metadata map[string]interface{}) *Session {
	now := time.Now().UnixMilli()
	s := &Session{
		ID:          uuid.New().String(),
		Name:        name,
		Status:      StatusActive,
		Metadata:    metadata,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	if m.current == "" {
		m.current = s.ID
	}
	m.mu.Unlock()

	if err := os.MkdirAll(m.WorkspaceDir(s.ID), 0o755); err != nil {
		m.logger.Warn("session workspace unavailable", zap.String("session_id", s.ID), zap.Error(err))
	}
	m.emit(ctx, "session_created", s.ID, map[string]interface{}{"name": name})
	return s
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all sessions sorted by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs < out[j].CreatedAtMs })
	return out
}

// Current returns the selected session.
func (m *Manager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return nil, false
	}
	s, ok := m.sessions[m.current]
	return s, ok
}

// SetCurrent selects a session by id.
func (m *Manager) SetCurrent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.current = id
	return nil
}

// Delete removes a session and its message log.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	if m.current == id {
		m.current = ""
	}
	m.mu.Unlock()

	m.emit(ctx, "session_deleted", id, nil)
	return nil
}

// Pause marks the session paused.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusPaused, "session_paused")
}

// Resume marks the session active again.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusActive, "session_resumed")
}

func (m *Manager) setStatus(ctx context.Context, id, status, eventType string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Status = status
	s.UpdatedAtMs = time.Now().UnixMilli()
	m.mu.Unlock()

	m.emit(ctx, eventType, id, nil)
	return nil
}

// AppendMessage records a message in the session log. Empty content is
// skipped silently; unknown sessions are an error.
func (m *Manager) AppendMessage(sessionID, role, msgType, content string) (*Message, error) {
	if content == "" {
		return nil, nil
	}

	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	msg := &Message{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Role:        role,
		Type:        msgType,
		Content:     content,
		TimestampMs: time.Now().UnixMilli(),
	}
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	m.mu.Unlock()

	m.persistMessage(msg)
	return msg, nil
}

// Messages returns the session's message log in append order.
func (m *Manager) Messages(sessionID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]*Message, len(m.messages[sessionID]))
	copy(out, m.messages[sessionID])
	return out, nil
}

// WorkspaceDir returns the session's on-disk workspace.
func (m *Manager) WorkspaceDir(sessionID string) string {
	return filepath.Join(m.dir, sessionID)
}

func (m *Manager) persistMessage(msg *Message) {
	dir := m.WorkspaceDir(msg.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.logger.Warn("message persist failed", zap.Error(err))
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		m.logger.Warn("message marshal failed", zap.Error(err))
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "messages.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Warn("message persist failed", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		m.logger.Warn("message persist failed", zap.Error(err))
	}
}

func (m *Manager) emit(ctx context.Context, eventType, sessionID string, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["sessionId"] = sessionID
	m.events.Emit(ctx, bus.New(eventType, bus.GroupSession, payload).WithSession(sessionID))
}

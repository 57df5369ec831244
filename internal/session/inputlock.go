package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// DefaultLease is how long a lock survives without a heartbeat.
const DefaultLease = time.Second

// LockState is the observable lock for one session.
type LockState struct {
	LockedBy          string `json:"lockedBy,omitempty"`
	LockedAtMs        int64  `json:"lockedAtMs,omitempty"`
	LastHeartbeatAtMs int64  `json:"lastHeartbeatAtMs,omitempty"`
	ExpiresAtMs       int64  `json:"expiresAtMs,omitempty"`
	Typing            bool   `json:"typing"`
}

// LockManager hands out short input leases per session. Expired leases are
// dropped by a background sweep that announces the change.
type LockManager struct {
	mu     sync.Mutex
	locks  map[string]*LockState
	lease  time.Duration
	events bus.EventBus
	logger *logger.Logger
	now    func() time.Time
	stop   chan struct{}
	done   chan struct{}
}

// NewLockManager creates a lock manager. lease<=0 uses DefaultLease.
func NewLockManager(lease time.Duration, events bus.EventBus, log *logger.Logger) *LockManager {
	if lease <= 0 {
		lease = DefaultLease
	}
	m := &LockManager{
		locks:  make(map[string]*LockState),
		lease:  lease,
		events: events,
		logger: log.WithFields(zap.String("component", "input_lock")),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Acquire takes the lock when it is free, expired, or already held by the
// same client. Success renews the lease.
func (m *LockManager) Acquire(sessionID, clientID string) (bool, LockState) {
	m.mu.Lock()
	state, ok := m.locks[sessionID]
	nowMs := m.now().UnixMilli()
	if ok && state.LockedBy != clientID && nowMs < state.ExpiresAtMs {
		snapshot := *state
		m.mu.Unlock()
		return false, snapshot
	}

	changed := !ok || state.LockedBy != clientID
	state = &LockState{
		LockedBy:          clientID,
		LockedAtMs:        nowMs,
		LastHeartbeatAtMs: nowMs,
		ExpiresAtMs:       nowMs + m.lease.Milliseconds(),
	}
	m.locks[sessionID] = state
	snapshot := *state
	m.mu.Unlock()

	if changed {
		m.announce(sessionID, clientID, false)
	}
	return true, snapshot
}

// Heartbeat refreshes the lease for the current holder only.
func (m *LockManager) Heartbeat(sessionID, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.locks[sessionID]
	if !ok || state.LockedBy != clientID {
		return false
	}
	nowMs := m.now().UnixMilli()
	if nowMs >= state.ExpiresAtMs {
		return false
	}
	state.LastHeartbeatAtMs = nowMs
	state.ExpiresAtMs = nowMs + m.lease.Milliseconds()
	return true
}

// Release drops the lock if the caller holds it.
func (m *LockManager) Release(sessionID, clientID string) bool {
	m.mu.Lock()
	state, ok := m.locks[sessionID]
	if !ok || state.LockedBy != clientID {
		m.mu.Unlock()
		return false
	}
	delete(m.locks, sessionID)
	m.mu.Unlock()

	m.announce(sessionID, "", false)
	return true
}

// ForceRelease drops every session lock held by the client, returning the
// affected session ids.
func (m *LockManager) ForceRelease(clientID string) []string {
	m.mu.Lock()
	released := make([]string, 0)
	for sessionID, state := range m.locks {
		if state.LockedBy == clientID {
			delete(m.locks, sessionID)
			released = append(released, sessionID)
		}
	}
	m.mu.Unlock()

	for _, sessionID := range released {
		m.announce(sessionID, "", false)
	}
	return released
}

// SetTyping flips the typing indicator; holder only.
func (m *LockManager) SetTyping(sessionID, clientID string, typing bool) bool {
	m.mu.Lock()
	state, ok := m.locks[sessionID]
	if !ok || state.LockedBy != clientID {
		m.mu.Unlock()
		return false
	}
	state.Typing = typing
	holder := state.LockedBy
	m.mu.Unlock()

	m.announce(sessionID, holder, typing)
	return true
}

// State returns the session's lock snapshot.
func (m *LockManager) State(sessionID string) LockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.locks[sessionID]; ok {
		return *state
	}
	return LockState{}
}

// Sweep drops expired locks immediately and announces each expiry.
func (m *LockManager) Sweep() int {
	m.mu.Lock()
	nowMs := m.now().UnixMilli()
	expired := make([]string, 0)
	for sessionID, state := range m.locks {
		if nowMs >= state.ExpiresAtMs {
			delete(m.locks, sessionID)
			expired = append(expired, sessionID)
		}
	}
	m.mu.Unlock()

	for _, sessionID := range expired {
		m.logger.Debug("input lock expired", zap.String("session_id", sessionID))
		m.announce(sessionID, "", false)
	}
	return len(expired)
}

// Close stops the background sweep.
func (m *LockManager) Close() {
	close(m.stop)
	<-m.done
}

func (m *LockManager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *LockManager) announce(sessionID, lockedBy string, typing bool) {
	if m.events == nil {
		return
	}
	var holder interface{}
	if lockedBy != "" {
		holder = lockedBy
	}
	m.events.Emit(context.Background(), bus.New("input_lock_changed", bus.GroupSession, map[string]interface{}{
		"sessionId": sessionID,
		"lockedBy":  holder,
		"typing":    typing,
	}).WithSession(sessionID))
}

package tools

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
)

var (
	// ErrAuthorizationRequired is returned when a required tool is invoked
	// without a grant token.
	ErrAuthorizationRequired = errors.New("authorization required")
	// ErrAuthorizationExpired is returned for expired, exhausted, or unknown
	// tokens.
	ErrAuthorizationExpired = errors.New("authorization expired")
	// ErrAuthorizationScopeMismatch is returned when a token was issued for a
	// different agent or tool.
	ErrAuthorizationScopeMismatch = errors.New("authorization scope mismatch")
)

// DefaultGrantTTL applies when a grant is issued without a valid ttl.
const DefaultGrantTTL = 5 * time.Minute

// Grant authorises an agent to use a tool a limited number of times.
type Grant struct {
	Token         string `json:"token"`
	AgentID       string `json:"agentId"`
	ToolName      string `json:"toolName"`
	IssuedBy      string `json:"issuedBy"`
	IssuedAtMs    int64  `json:"issuedAtMs"`
	ExpiresAtMs   int64  `json:"expiresAtMs"`
	MaxUses       int    `json:"maxUses"`
	RemainingUses int    `json:"remainingUses"`
}

// IssueOptions tunes a new grant. Zero values fall back to defaults
// (DefaultGrantTTL, one use).
type IssueOptions struct {
	TTL     time.Duration
	MaxUses int
}

// AuthzManager tracks which tools require grants and the live grants.
type AuthzManager struct {
	mu       sync.Mutex
	required map[string]bool
	grants   map[string]*Grant
	logger   *logger.Logger
	now      func() time.Time
}

// NewAuthzManager creates an empty authorization manager.
func NewAuthzManager(log *logger.Logger) *AuthzManager {
	return &AuthzManager{
		required: make(map[string]bool),
		grants:   make(map[string]*Grant),
		logger:   log.WithFields(zap.String("component", "tool_authz")),
		now:      time.Now,
	}
}

// SetToolRequired marks (or unmarks) a tool as needing a grant to execute.
func (m *AuthzManager) SetToolRequired(toolName string, required bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if required {
		m.required[toolName] = true
	} else {
		delete(m.required, toolName)
	}
}

// IsRequired reports whether a tool needs a grant.
func (m *AuthzManager) IsRequired(toolName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.required[toolName]
}

// Issue creates a grant and returns it. ttl<=0 falls back to DefaultGrantTTL,
// maxUses<=0 to one use.
func (m *AuthzManager) Issue(agentID, toolName, issuedBy string, opts IssueOptions) *Grant {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	maxUses := opts.MaxUses
	if maxUses <= 0 {
		maxUses = 1
	}

	now := m.now()
	grant := &Grant{
		Token:         uuid.New().String(),
		AgentID:       agentID,
		ToolName:      toolName,
		IssuedBy:      issuedBy,
		IssuedAtMs:    now.UnixMilli(),
		ExpiresAtMs:   now.Add(ttl).UnixMilli(),
		MaxUses:       maxUses,
		RemainingUses: maxUses,
	}

	m.mu.Lock()
	m.grants[grant.Token] = grant
	m.mu.Unlock()

	m.logger.Info("grant issued",
		zap.String("agent_id", agentID),
		zap.String("tool", toolName),
		zap.String("issued_by", issuedBy),
		zap.Int("max_uses", maxUses))
	return grant
}

// VerifyAndConsume checks a token against the requested scope and decrements
// its remaining uses. Exhausted grants are deleted, so a consumed one-shot
// token verifies as expired on reuse.
func (m *AuthzManager) VerifyAndConsume(token, agentID, toolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	grant, ok := m.grants[token]
	if !ok {
		return ErrAuthorizationExpired
	}
	if grant.AgentID != agentID || grant.ToolName != toolName {
		return ErrAuthorizationScopeMismatch
	}
	if m.now().UnixMilli() >= grant.ExpiresAtMs {
		delete(m.grants, token)
		return ErrAuthorizationExpired
	}
	if grant.RemainingUses <= 0 {
		delete(m.grants, token)
		return ErrAuthorizationExpired
	}

	grant.RemainingUses--
	if grant.RemainingUses == 0 {
		delete(m.grants, token)
	}
	return nil
}

// Revoke deletes a grant by token. Unknown tokens are a no-op.
func (m *AuthzManager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, token)
}

// Grants returns a snapshot of live grants, evicting expired ones first.
func (m *AuthzManager) Grants() []*Grant {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	out := make([]*Grant, 0, len(m.grants))
	for token, grant := range m.grants {
		if nowMs >= grant.ExpiresAtMs {
			delete(m.grants, token)
			continue
		}
		copied := *grant
		out = append(out, &copied)
	}
	return out
}

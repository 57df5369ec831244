package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/tools"
)

// Service hands out cached ledger handles per (session, agent, mode) and
// exposes the memory tools through the tool registry.
type Service struct {
	mu      sync.Mutex
	handles map[string]*Ledger

	root          string
	focusMaxChars int
	queryLimit    int
	logger        *logger.Logger
}

// NewService creates a ledger service rooted at dir. focusMaxChars and
// queryLimit fall back to the package defaults when zero.
func NewService(dir string, focusMaxChars, queryLimit int, log *logger.Logger) *Service {
	if focusMaxChars <= 0 {
		focusMaxChars = DefaultFocusMaxChars
	}
	if queryLimit <= 0 {
		queryLimit = DefaultQueryLimit
	}
	return &Service{
		handles:       make(map[string]*Ledger),
		root:          dir,
		focusMaxChars: focusMaxChars,
		queryLimit:    queryLimit,
		logger:        log,
	}
}

// Handle returns the ledger for one (session, agent, mode), creating it on
// first use. mode defaults to "default".
func (s *Service) Handle(sessionID, agentID, mode string) (*Ledger, error) {
	if strings.TrimSpace(mode) == "" {
		mode = "default"
	}
	key := sessionID + "\x00" + agentID + "\x00" + mode

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.handles[key]; ok {
		return l, nil
	}
	l, err := New(Config{
		RootDir:       s.root,
		SessionID:     sessionID,
		AgentID:       agentID,
		Mode:          mode,
		CanReadAll:    true,
		FocusEnabled:  true,
		FocusMaxChars: s.focusMaxChars,
	}, s.logger)
	if err != nil {
		return nil, err
	}
	s.handles[key] = l
	return l, nil
}

// Append records one event on the identified ledger.
func (s *Service) Append(sessionID, agentID, mode, eventType string, payload interface{}) (*Entry, error) {
	l, err := s.Handle(sessionID, agentID, mode)
	if err != nil {
		return nil, err
	}
	return l.AppendEvent(eventType, payload)
}

type toolIdentity struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Mode      string `json:"mode,omitempty"`
}

func decodeInput(input map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (s *Service) handleFromInput(input map[string]interface{}) (*Ledger, error) {
	var id toolIdentity
	if err := decodeInput(input, &id); err != nil {
		return nil, err
	}
	return s.Handle(id.SessionID, id.AgentID, id.Mode)
}

// RegisterTools registers ledger_insert and ledger_query with the registry.
func (s *Service) RegisterTools(reg *tools.Registry) error {
	insert := &tools.Definition{
		Name:        "ledger_insert",
		Description: "Write the agent's focus slot from text or a ledger time range",
		Handler: func(_ context.Context, input map[string]interface{}) (interface{}, error) {
			l, err := s.handleFromInput(input)
			if err != nil {
				return nil, err
			}
			var req InsertRequest
			if err := decodeInput(input, &req); err != nil {
				return nil, err
			}
			return l.Insert(req)
		},
	}
	query := &tools.Definition{
		Name:        "ledger_query",
		Description: "Search ledger memory, compact-first with fuzzy fallback",
		Handler: func(_ context.Context, input map[string]interface{}) (interface{}, error) {
			l, err := s.handleFromInput(input)
			if err != nil {
				return nil, err
			}
			var req QueryRequest
			if err := decodeInput(input, &req); err != nil {
				return nil, err
			}
			if req.Limit <= 0 {
				req.Limit = s.queryLimit
			}
			return l.Query(req)
		},
	}
	if err := reg.Register(insert); err != nil {
		return err
	}
	return reg.Register(query)
}

// Package ledger records per-agent context events as JSONL files under
// <root>/<session>/<agent>/<mode>/, alongside a compact-memory summary file
// with a rebuilt index and a char-capped focus slot. Queries support exact
// and fuzzy matching with a compact-first fallback.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
)

const (
	ledgerFile       = "context-ledger.jsonl"
	compactFile      = "compact-memory.jsonl"
	compactIndexFile = "compact-memory-index.json"
	focusFile        = "focus-slot.txt"
)

// DefaultFocusMaxChars caps the focus slot when the config does not.
const DefaultFocusMaxChars = 20000

// DefaultQueryLimit bounds query results when the request does not.
const DefaultQueryLimit = 50

var entryCounter atomic.Uint64

// ErrPermissionDenied is returned for cross-agent reads outside the caller's
// readable set.
var ErrPermissionDenied = errors.New("permission denied to read ledger")

// ErrInvalidConfig covers bad ledger configuration and malformed operations.
var ErrInvalidConfig = errors.New("invalid ledger config")

// Entry is one ledger line.
type Entry struct {
	ID           string      `json:"id"`
	TimestampMs  int64       `json:"timestamp_ms"`
	TimestampISO string      `json:"timestamp_iso"`
	SessionID    string      `json:"session_id"`
	AgentID      string      `json:"agent_id"`
	Mode         string      `json:"mode"`
	Role         string      `json:"role,omitempty"`
	EventType    string      `json:"event_type"`
	Payload      interface{} `json:"payload"`
}

// Config binds a ledger to one (session, agent, mode) triple.
type Config struct {
	RootDir        string
	SessionID      string
	AgentID        string
	Mode           string
	Role           string
	CanReadAll     bool
	ReadableAgents []string
	FocusEnabled   bool
	FocusMaxChars  int
}

// Ledger is the append-side handle. Concurrent appends are serialised.
type Ledger struct {
	mu       sync.Mutex
	cfg      Config
	readable map[string]struct{}
	logger   *logger.Logger
}

// New validates the config and creates the backing directory.
func New(cfg Config, log *logger.Logger) (*Ledger, error) {
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, fmt.Errorf("%w: session_id cannot be empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("%w: agent_id cannot be empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Mode) == "" {
		return nil, fmt.Errorf("%w: mode cannot be empty", ErrInvalidConfig)
	}
	if cfg.FocusMaxChars <= 0 {
		cfg.FocusMaxChars = DefaultFocusMaxChars
	}

	baseDir := resolveBaseDir(cfg.RootDir, cfg.SessionID, cfg.AgentID, cfg.Mode)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	readable := make(map[string]struct{}, len(cfg.ReadableAgents))
	for _, agent := range cfg.ReadableAgents {
		if clean := sanitizeComponent(agent); clean != "" {
			readable[clean] = struct{}{}
		}
	}

	return &Ledger{
		cfg:      cfg,
		readable: readable,
		logger: log.WithFields(
			zap.String("component", "context_ledger"),
			zap.String("session_id", cfg.SessionID),
			zap.String("agent_id", cfg.AgentID)),
	}, nil
}

// AppendEvent appends one entry to the ledger file.
func (l *Ledger) AppendEvent(eventType string, payload interface{}) (*Entry, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event_type cannot be empty", ErrInvalidConfig)
	}

	ms, iso := nowTimestamp()
	entry := &Entry{
		ID:           fmt.Sprintf("led-%d-%d", ms, entryCounter.Add(1)),
		TimestampMs:  ms,
		TimestampISO: iso,
		SessionID:    l.cfg.SessionID,
		AgentID:      l.cfg.AgentID,
		Mode:         l.cfg.Mode,
		Role:         l.cfg.Role,
		EventType:    eventType,
		Payload:      payload,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := appendLine(l.ledgerPath(), entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// FocusInsertResult reports the focus slot state after an insert.
type FocusInsertResult struct {
	Chars     int  `json:"chars"`
	Truncated bool `json:"truncated"`
}

// InsertRequest drives a focus-slot insert. When Text is empty a summary is
// synthesized from ledger entries between SinceMs and UntilMs.
type InsertRequest struct {
	Text          string `json:"text,omitempty"`
	SinceMs       int64  `json:"since_ms,omitempty"`
	UntilMs       int64  `json:"until_ms,omitempty"`
	Append        bool   `json:"append"`
	FocusMaxChars int    `json:"focus_max_chars,omitempty"`
}

// Insert writes the focus slot, capped to the configured character count
// keeping the tail, and records a focus_insert event.
func (l *Ledger) Insert(req InsertRequest) (*FocusInsertResult, error) {
	if !l.cfg.FocusEnabled {
		return nil, fmt.Errorf("%w: focus slot is disabled", ErrInvalidConfig)
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		if req.SinceMs == 0 && req.UntilMs == 0 {
			return nil, fmt.Errorf("%w: insert needs text or a time range", ErrInvalidConfig)
		}
		synthesized, err := l.synthesizeFocus(req.SinceMs, req.UntilMs)
		if err != nil {
			return nil, err
		}
		if synthesized == "" {
			return nil, fmt.Errorf("%w: no ledger entries in range to synthesize from", ErrInvalidConfig)
		}
		text = synthesized
	}

	maxChars := l.cfg.FocusMaxChars
	if req.FocusMaxChars > 0 {
		maxChars = req.FocusMaxChars
	}

	l.mu.Lock()
	merged := text
	if req.Append {
		if existing, ok := l.readFocusLocked(); ok {
			merged = existing + "\n" + text
		}
	}

	truncated := false
	if runeCount(merged) > maxChars {
		merged = keepTailChars(merged, maxChars)
		truncated = true
	}

	err := os.WriteFile(l.focusPath(), []byte(merged), 0o644)
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write focus slot: %w", err)
	}

	chars := runeCount(merged)
	if _, err := l.AppendEvent("focus_insert", map[string]interface{}{
		"append":    req.Append,
		"chars":     chars,
		"truncated": truncated,
	}); err != nil {
		l.logger.Warn("focus_insert event append failed", zap.Error(err))
	}
	return &FocusInsertResult{Chars: chars, Truncated: truncated}, nil
}

// ReadFocus returns the focus slot content, if any.
func (l *Ledger) ReadFocus() (string, bool) {
	if !l.cfg.FocusEnabled {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readFocusLocked()
}

func (l *Ledger) readFocusLocked() (string, bool) {
	raw, err := os.ReadFile(l.focusPath())
	if err != nil {
		return "", false
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// synthesizeFocus builds a focus text from entries in the time range.
func (l *Ledger) synthesizeFocus(sinceMs, untilMs int64) (string, error) {
	entries, err := readEntries(l.ledgerPath())
	if err != nil {
		return "", err
	}
	lines := make([]string, 0)
	for _, entry := range entries {
		if sinceMs > 0 && entry.TimestampMs < sinceMs {
			continue
		}
		if untilMs > 0 && entry.TimestampMs > untilMs {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s",
			entry.TimestampISO, entry.EventType, buildPreview(payloadText(entry.Payload), 160)))
	}
	return strings.Join(lines, "\n"), nil
}

// SessionID returns the bound session id.
func (l *Ledger) SessionID() string { return l.cfg.SessionID }

// AgentID returns the bound agent id.
func (l *Ledger) AgentID() string { return l.cfg.AgentID }

// Mode returns the bound mode.
func (l *Ledger) Mode() string { return l.cfg.Mode }

func (l *Ledger) baseDir() string {
	return resolveBaseDir(l.cfg.RootDir, l.cfg.SessionID, l.cfg.AgentID, l.cfg.Mode)
}

func (l *Ledger) ledgerPath() string {
	return filepath.Join(l.baseDir(), ledgerFile)
}

func (l *Ledger) focusPath() string {
	return filepath.Join(l.baseDir(), focusFile)
}

func (l *Ledger) compactPath() string {
	return filepath.Join(l.baseDir(), compactFile)
}

func (l *Ledger) compactIndexPath() string {
	return filepath.Join(l.baseDir(), compactIndexFile)
}

func resolveBaseDir(root, sessionID, agentID, mode string) string {
	return filepath.Join(root,
		sanitizeComponent(sessionID),
		sanitizeComponent(agentID),
		sanitizeComponent(mode))
}

func sanitizeComponent(raw string) string {
	replacer := strings.NewReplacer(`\`, "_", "/", "_", ":", "_")
	return replacer.Replace(strings.TrimSpace(raw))
}

func appendLine(path string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal ledger line: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append ledger line: %w", err)
	}
	return nil
}

func readEntries(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A crashed writer can leave a partial trailing line; skip it
			// and keep the entries that did land.
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}

func payloadText(payload interface{}) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(raw)
}

func runeCount(s string) int {
	return len([]rune(s))
}

func keepTailChars(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[len(runes)-maxChars:])
}

func buildPreview(input string, maxChars int) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(input, "\n", " "))
	runes := []rune(normalized)
	if len(runes) <= maxChars {
		return normalized
	}
	return string(runes[:maxChars]) + "..."
}

func nowTimestamp() (int64, string) {
	now := time.Now().UTC()
	return now.UnixMilli(), now.Format(time.RFC3339)
}

package ledger

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Query strategies.
const (
	StrategyDirect       = "direct"
	StrategyCompactFirst = "compact_first"
)

// FuzzyThreshold is the minimum bigram score for a fuzzy match.
const FuzzyThreshold = 0.18

// QueryRequest selects ledger entries. Empty session/agent/mode default to
// the caller's own triple.
type QueryRequest struct {
	SessionID  string   `json:"session_id,omitempty"`
	AgentID    string   `json:"agent_id,omitempty"`
	Mode       string   `json:"mode,omitempty"`
	SinceMs    int64    `json:"since_ms,omitempty"`
	UntilMs    int64    `json:"until_ms,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Contains   string   `json:"contains,omitempty"`
	Fuzzy      bool     `json:"fuzzy,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Detail     bool     `json:"detail,omitempty"`
}

// TimelinePoint is a preview row for one returned entry.
type TimelinePoint struct {
	ID           string `json:"id"`
	TimestampMs  int64  `json:"timestamp_ms"`
	TimestampISO string `json:"timestamp_iso"`
	EventType    string `json:"event_type"`
	AgentID      string `json:"agent_id"`
	Mode         string `json:"mode"`
	Preview      string `json:"preview"`
}

// QueryHint tells the caller how to narrow a follow-up query after a
// compact-first response.
type QueryHint struct {
	Detail  bool  `json:"detail"`
	SinceMs int64 `json:"since_ms,omitempty"`
	UntilMs int64 `json:"until_ms,omitempty"`
}

// QueryResponse is the query result. CompactHits and NextQueryHint are only
// set for the compact_first strategy.
type QueryResponse struct {
	Strategy      string              `json:"strategy"`
	Entries       []*Entry            `json:"entries"`
	Timeline      []TimelinePoint     `json:"timeline"`
	CompactHits   []CompactIndexEntry `json:"compact_hits,omitempty"`
	NextQueryHint *QueryHint          `json:"next_query_hint,omitempty"`
	Total         int                 `json:"total"`
	Truncated     bool                `json:"truncated"`
	Source        string              `json:"source"`
}

// Query scans the target ledger. Exact substring hits win; with fuzzy
// enabled and no precise hit, the compact-memory index is consulted first
// and entry retrieval deferred unless detail is requested.
func (l *Ledger) Query(req QueryRequest) (*QueryResponse, error) {
	targetSession := firstNonEmpty(sanitizeComponent(req.SessionID), sanitizeComponent(l.cfg.SessionID))
	targetAgent := firstNonEmpty(sanitizeComponent(req.AgentID), sanitizeComponent(l.cfg.AgentID))
	targetMode := firstNonEmpty(sanitizeComponent(req.Mode), sanitizeComponent(l.cfg.Mode))

	if targetAgent != sanitizeComponent(l.cfg.AgentID) && !l.cfg.CanReadAll {
		if _, ok := l.readable[targetAgent]; !ok {
			return nil, fmt.Errorf("%w: agent %q", ErrPermissionDenied, targetAgent)
		}
	}

	baseDir := resolveBaseDir(l.cfg.RootDir, targetSession, targetAgent, targetMode)
	source := filepath.Join(baseDir, ledgerFile)
	entries, err := readEntries(source)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(req.Contains))

	exact := filterEntries(entries, req, needle, false)
	if len(exact) > 0 || needle == "" || !req.Fuzzy {
		// Without fuzzy there is nothing to fall back to; with no needle
		// the time/type filter already decided.
		return l.directResponse(exact, req, source), nil
	}

	hits, err := l.compactHits(baseDir, needle)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		fuzzy := filterEntries(entries, req, needle, true)
		return l.directResponse(fuzzy, req, source), nil
	}

	resp := &QueryResponse{
		Strategy:    StrategyCompactFirst,
		Entries:     []*Entry{},
		Timeline:    []TimelinePoint{},
		CompactHits: hits,
		Total:       len(hits),
		Source:      source,
		NextQueryHint: &QueryHint{
			Detail:  true,
			SinceMs: hits[0].SourceTimeStart,
			UntilMs: hits[0].SourceTimeEnd,
		},
	}
	if req.Detail {
		narrowed := req
		if hits[0].SourceTimeStart > 0 {
			narrowed.SinceMs = hits[0].SourceTimeStart
		}
		if hits[0].SourceTimeEnd > 0 {
			narrowed.UntilMs = hits[0].SourceTimeEnd
		}
		detail := filterEntries(entries, narrowed, needle, true)
		detail = applyLimit(detail, req.Limit, &resp.Truncated)
		resp.Entries = detail
		resp.Timeline = buildTimeline(detail)
	}
	return resp, nil
}

func (l *Ledger) directResponse(matched []*Entry, req QueryRequest, source string) *QueryResponse {
	total := len(matched)
	truncated := false
	matched = applyLimit(matched, req.Limit, &truncated)
	return &QueryResponse{
		Strategy:  StrategyDirect,
		Entries:   matched,
		Timeline:  buildTimeline(matched),
		Total:     total,
		Truncated: truncated,
		Source:    source,
	}
}

// compactHits scans the compact index summaries for the needle, best score
// first.
func (l *Ledger) compactHits(baseDir, needle string) ([]CompactIndexEntry, error) {
	index, err := l.readCompactIndex(filepath.Join(baseDir, compactIndexFile))
	if err != nil {
		return nil, err
	}

	type scored struct {
		entry CompactIndexEntry
		score float64
	}
	hits := make([]scored, 0)
	for _, entry := range index.Entries {
		summary := strings.ToLower(entry.Summary)
		score := fuzzyScore(summary, needle)
		if strings.Contains(summary, needle) {
			score = 1
		}
		if score >= FuzzyThreshold {
			hits = append(hits, scored{entry: entry, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	out := make([]CompactIndexEntry, 0, len(hits))
	for _, hit := range hits {
		out = append(out, hit.entry)
	}
	return out, nil
}

// filterEntries applies the time, event-type, prompt-block, and contains
// filters. fuzzy widens the contains match to bigram scoring.
func filterEntries(entries []*Entry, req QueryRequest, needle string, fuzzy bool) []*Entry {
	eventTypes := make(map[string]struct{}, len(req.EventTypes))
	for _, t := range req.EventTypes {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			eventTypes[t] = struct{}{}
		}
	}

	matched := make([]*Entry, 0)
	for _, entry := range entries {
		if req.SinceMs > 0 && entry.TimestampMs < req.SinceMs {
			continue
		}
		if req.UntilMs > 0 && entry.TimestampMs > req.UntilMs {
			continue
		}
		if len(eventTypes) > 0 {
			if _, ok := eventTypes[strings.ToLower(strings.TrimSpace(entry.EventType))]; !ok {
				continue
			}
		}
		text := strings.ToLower(payloadText(entry.Payload))
		if containsPromptBlock(text) {
			continue
		}
		if needle != "" {
			if !strings.Contains(text, needle) && !strings.Contains(strings.ToLower(entry.EventType), needle) {
				if !fuzzy || fuzzyScore(text, needle) < FuzzyThreshold {
					continue
				}
			}
		}
		matched = append(matched, entry)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].TimestampMs < matched[j].TimestampMs })
	return matched
}

func applyLimit(entries []*Entry, limit int, truncated *bool) []*Entry {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if len(entries) > limit {
		*truncated = true
		return entries[len(entries)-limit:]
	}
	return entries
}

func buildTimeline(entries []*Entry) []TimelinePoint {
	out := make([]TimelinePoint, 0, len(entries))
	for _, entry := range entries {
		out = append(out, TimelinePoint{
			ID:           entry.ID,
			TimestampMs:  entry.TimestampMs,
			TimestampISO: entry.TimestampISO,
			EventType:    entry.EventType,
			AgentID:      entry.AgentID,
			Mode:         entry.Mode,
			Preview:      buildPreview(payloadText(entry.Payload), 160),
		})
	}
	return out
}

var promptBlockMarkers = []string{
	"<developer_instructions>",
	"<user_instructions>",
	"<environment_context>",
	"<turn_context>",
	"<context_ledger_focus>",
	"<system_message>",
	"<tool_instruction>",
}

// containsPromptBlock reports whether serialised text embeds a prompt block
// that must never leak into search results.
func containsPromptBlock(text string) bool {
	lowered := strings.ToLower(text)
	for _, marker := range promptBlockMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// fuzzyScore is the share of the query's character bigrams present in the
// text.
func fuzzyScore(text, query string) float64 {
	textBigrams := toBigrams(text)
	queryBigrams := toBigrams(query)
	if len(textBigrams) == 0 || len(queryBigrams) == 0 {
		return 0
	}
	hits := 0
	for bigram := range queryBigrams {
		if _, ok := textBigrams[bigram]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryBigrams))
}

func toBigrams(input string) map[string]struct{} {
	var normalized []rune
	for _, r := range strings.ToLower(input) {
		if isAlphanumeric(r) || r == ' ' || r == '\t' || r == '\n' {
			normalized = append(normalized, r)
		}
	}
	bigrams := make(map[string]struct{})
	for i := 0; i+1 < len(normalized); i++ {
		token := string(normalized[i : i+2])
		if strings.TrimSpace(token) != "" {
			bigrams[token] = struct{}{}
		}
	}
	return bigrams
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r >= 0x80
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

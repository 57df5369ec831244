package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// CompactIndexEntry is one summary record of the rebuilt index.
type CompactIndexEntry struct {
	ID              string `json:"id"`
	TimestampMs     int64  `json:"timestamp_ms"`
	TimestampISO    string `json:"timestamp_iso"`
	Summary         string `json:"summary"`
	SourceTimeStart int64  `json:"source_time_start,omitempty"`
	SourceTimeEnd   int64  `json:"source_time_end,omitempty"`
}

// CompactIndex is the on-disk index document, kept in ascending timeline
// order.
type CompactIndex struct {
	TimelineOrder string              `json:"timeline_order"`
	RebuiltAtMs   int64               `json:"rebuilt_at_ms"`
	RebuiltAtISO  string              `json:"rebuilt_at_iso"`
	EntryCount    int                 `json:"entry_count"`
	Entries       []CompactIndexEntry `json:"entries"`
}

type compactLine struct {
	ID           string                 `json:"id"`
	TimestampMs  int64                  `json:"timestamp_ms"`
	TimestampISO string                 `json:"timestamp_iso"`
	SessionID    string                 `json:"session_id"`
	AgentID      string                 `json:"agent_id"`
	Mode         string                 `json:"mode"`
	Role         string                 `json:"role,omitempty"`
	Payload      map[string]interface{} `json:"payload"`
}

// AppendCompactMemory appends a compacted summary record and rebuilds the
// index.
func (l *Ledger) AppendCompactMemory(payload map[string]interface{}) error {
	ms, iso := nowTimestamp()
	line := compactLine{
		ID:           fmt.Sprintf("cpt-%d-%d", ms, entryCounter.Add(1)),
		TimestampMs:  ms,
		TimestampISO: iso,
		SessionID:    l.cfg.SessionID,
		AgentID:      l.cfg.AgentID,
		Mode:         l.cfg.Mode,
		Role:         l.cfg.Role,
		Payload:      payload,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := appendLine(l.compactPath(), line); err != nil {
		return err
	}
	return l.rebuildCompactIndexLocked()
}

func (l *Ledger) rebuildCompactIndexLocked() error {
	entries := make([]CompactIndexEntry, 0)

	f, err := os.Open(l.compactPath())
	if err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			raw := strings.TrimSpace(scanner.Text())
			if raw == "" {
				continue
			}
			var line compactLine
			if err := json.Unmarshal([]byte(raw), &line); err != nil {
				continue
			}
			summary, _ := line.Payload["summary"].(string)
			if summary == "" {
				summary = payloadText(line.Payload)
			}
			summary = sanitizeCompactSummary(summary)
			if strings.TrimSpace(summary) == "" {
				continue
			}
			entries = append(entries, CompactIndexEntry{
				ID:              line.ID,
				TimestampMs:     line.TimestampMs,
				TimestampISO:    line.TimestampISO,
				Summary:         summary,
				SourceTimeStart: asMillis(line.Payload["source_time_start"]),
				SourceTimeEnd:   asMillis(line.Payload["source_time_end"]),
			})
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("scan compact memory: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("open compact memory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].TimestampMs < entries[j].TimestampMs })

	ms, iso := nowTimestamp()
	index := CompactIndex{
		TimelineOrder: "ascending",
		RebuiltAtMs:   ms,
		RebuiltAtISO:  iso,
		EntryCount:    len(entries),
		Entries:       entries,
	}
	raw, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("marshal compact index: %w", err)
	}
	if err := os.WriteFile(l.compactIndexPath(), raw, 0o644); err != nil {
		return fmt.Errorf("write compact index: %w", err)
	}
	return nil
}

func (l *Ledger) readCompactIndex(path string) (*CompactIndex, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &CompactIndex{TimelineOrder: "ascending"}, nil
		}
		return nil, fmt.Errorf("read compact index: %w", err)
	}
	var index CompactIndex
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("parse compact index: %w", err)
	}
	return &index, nil
}

// sanitizeCompactSummary drops prompt-like lines from a summary.
func sanitizeCompactSummary(text string) string {
	kept := make([]string, 0)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || containsPromptBlock(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func asMillis(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		ms, _ := t.Int64()
		return ms
	}
	return 0
}

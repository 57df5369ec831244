// Package hub implements the in-process message hub with pattern-based
// routing, direct module dispatch, pending callbacks, and a bounded queue
// for messages that match no route.
package hub

import (
	"encoding/json"
	"sort"
)

// Message is the unit routed through the hub.
type Message struct {
	ID        string                 `json:"id,omitempty"`
	Type      string                 `json:"type,omitempty"`
	Route     string                 `json:"route,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Source    string                 `json:"source,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Blocking  bool                   `json:"blocking,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// StableJSON serialises the message with sorted keys and no absent fields,
// so regex route patterns see a deterministic string.
func (m *Message) StableJSON() string {
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	return string(marshalSorted(generic))
}

// marshalSorted renders a decoded JSON value with object keys sorted.
// encoding/json already sorts map[string]interface{} keys, but nested
// ordering is made explicit here so the contract is visible.
func marshalSorted(v interface{}) []byte {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, marshalSorted(val[k])...)
		}
		return append(out, '}')
	case []interface{}:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, marshalSorted(item)...)
		}
		return append(out, ']')
	default:
		raw, _ := json.Marshal(val)
		return raw
	}
}

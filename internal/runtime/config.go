// Package runtime implements the agent-runtime block: the agent catalog,
// instance deployment, quota-bounded dispatch with a per-target FIFO queue,
// runtime views, and control operations.
package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// AgentConfigSuffix is the filename suffix of on-disk agent configs.
const AgentConfigSuffix = ".agent.json"

// Approval modes accepted under governance.iflow.
const (
	ApprovalDefault  = "default"
	ApprovalAutoEdit = "autoEdit"
	ApprovalYolo     = "yolo"
	ApprovalPlan     = "plan"
)

// Session binding scopes.
const (
	BindingScopeFinger      = "finger"
	BindingScopeFingerAgent = "finger+agent"
)

// ProviderSpec names the upstream provider backing an agent implementation.
type ProviderSpec struct {
	Type    string                 `json:"type"`
	Model   string                 `json:"model,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// SessionSpec controls how provider sessions bind to finger sessions.
// Unknown keys here are rejected.
type SessionSpec struct {
	BindingScope string `json:"bindingScope,omitempty"`
	Resume       *bool  `json:"resume,omitempty"`
	Provider     string `json:"provider,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
	MapPath      string `json:"mapPath,omitempty"`
}

// IflowSpec is the iflow governance block. Unknown keys are rejected.
type IflowSpec struct {
	AllowedTools       []string `json:"allowedTools,omitempty"`
	DisallowedTools    []string `json:"disallowedTools,omitempty"`
	ApprovalMode       string   `json:"approvalMode,omitempty"`
	InjectCapabilities *bool    `json:"injectCapabilities,omitempty"`
	CapabilityIDs      []string `json:"capabilityIds,omitempty"`
	CommandNamespace   string   `json:"commandNamespace,omitempty"`
}

// GovernanceSpec wraps per-runtime governance blocks.
type GovernanceSpec struct {
	Iflow *IflowSpec `json:"iflow,omitempty"`
}

// ToolAccessSpec seeds the tool access-control lists for an agent.
type ToolAccessSpec struct {
	Whitelist             []string `json:"whitelist,omitempty"`
	Blacklist             []string `json:"blacklist,omitempty"`
	AuthorizationRequired []string `json:"authorizationRequired,omitempty"`
}

// AgentConfig is one agents/<id>.agent.json document.
type AgentConfig struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name,omitempty"`
	Role       string                 `json:"role,omitempty"`
	Provider   *ProviderSpec          `json:"provider,omitempty"`
	Session    *SessionSpec           `json:"session,omitempty"`
	Governance *GovernanceSpec        `json:"governance,omitempty"`
	Tools      *ToolAccessSpec        `json:"tools,omitempty"`
	Model      string                 `json:"model,omitempty"`
	Runtime    map[string]interface{} `json:"runtime,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ParseAgentConfig decodes one config document. Unknown top-level keys are
// ignored; unknown keys inside session and governance are rejected.
func ParseAgentConfig(raw []byte) (*AgentConfig, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}

	cfg := &AgentConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent config missing id")
	}

	if sessionRaw, ok := fields["session"]; ok {
		var spec SessionSpec
		if err := decodeStrict(sessionRaw, &spec); err != nil {
			return nil, fmt.Errorf("agent %s session: %w", cfg.ID, err)
		}
		cfg.Session = &spec
	}
	if govRaw, ok := fields["governance"]; ok {
		var spec GovernanceSpec
		if err := decodeStrict(govRaw, &spec); err != nil {
			return nil, fmt.Errorf("agent %s governance: %w", cfg.ID, err)
		}
		if spec.Iflow != nil {
			switch spec.Iflow.ApprovalMode {
			case "", ApprovalDefault, ApprovalAutoEdit, ApprovalYolo, ApprovalPlan:
			default:
				return nil, fmt.Errorf("agent %s governance: invalid approvalMode %q", cfg.ID, spec.Iflow.ApprovalMode)
			}
		}
		cfg.Governance = &spec
	}

	if cfg.Session != nil {
		switch cfg.Session.BindingScope {
		case "", BindingScopeFinger, BindingScopeFingerAgent:
		default:
			return nil, fmt.Errorf("agent %s session: invalid bindingScope %q", cfg.ID, cfg.Session.BindingScope)
		}
	}
	return cfg, nil
}

func decodeStrict(raw json.RawMessage, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// LoadAgentConfigs reads every *.agent.json in dir, sorted by agent id. A
// missing dir yields an empty set.
func LoadAgentConfigs(dir string) ([]*AgentConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agent config dir: %w", err)
	}

	configs := make([]*AgentConfig, 0)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), AgentConfigSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read agent config %s: %w", entry.Name(), err)
		}
		cfg, err := ParseAgentConfig(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs, nil
}

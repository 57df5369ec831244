package tools

import (
	"sort"
	"sync"
)

// AccessDecision is the outcome of a per-agent policy check.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// AccessControl keeps per-agent whitelist/blacklist sets. The blacklist
// always wins; an empty whitelist denies everything.
type AccessControl struct {
	mu        sync.RWMutex
	whitelist map[string]map[string]struct{}
	blacklist map[string]map[string]struct{}
}

// NewAccessControl creates an empty policy table.
func NewAccessControl() *AccessControl {
	return &AccessControl{
		whitelist: make(map[string]map[string]struct{}),
		blacklist: make(map[string]map[string]struct{}),
	}
}

// CanUse decides whether an agent may use a tool.
func (a *AccessControl) CanUse(agentID, toolName string) AccessDecision {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if set := a.blacklist[agentID]; set != nil {
		if _, banned := set[toolName]; banned {
			return AccessDecision{Allowed: false, Reason: "tool is blacklisted for agent"}
		}
	}
	set := a.whitelist[agentID]
	if len(set) == 0 {
		return AccessDecision{Allowed: false, Reason: "agent whitelist is empty"}
	}
	if _, ok := set[toolName]; !ok {
		return AccessDecision{Allowed: false, Reason: "tool not in agent whitelist"}
	}
	return AccessDecision{Allowed: true, Reason: "whitelisted"}
}

// SetWhitelist replaces an agent's whitelist.
func (a *AccessControl) SetWhitelist(agentID string, toolNames []string) {
	set := make(map[string]struct{}, len(toolNames))
	for _, name := range toolNames {
		set[name] = struct{}{}
	}
	a.mu.Lock()
	a.whitelist[agentID] = set
	a.mu.Unlock()
}

// Grant adds a tool to the agent's whitelist. Idempotent.
func (a *AccessControl) Grant(agentID, toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.whitelist[agentID] == nil {
		a.whitelist[agentID] = make(map[string]struct{})
	}
	a.whitelist[agentID][toolName] = struct{}{}
}

// Revoke removes a tool from the agent's whitelist. Idempotent.
func (a *AccessControl) Revoke(agentID, toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.whitelist[agentID], toolName)
}

// Deny adds a tool to the agent's blacklist. Idempotent.
func (a *AccessControl) Deny(agentID, toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blacklist[agentID] == nil {
		a.blacklist[agentID] = make(map[string]struct{})
	}
	a.blacklist[agentID][toolName] = struct{}{}
}

// Allow removes a tool from the agent's blacklist and ensures it is
// whitelisted. Idempotent.
func (a *AccessControl) Allow(agentID, toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.blacklist[agentID], toolName)
	if a.whitelist[agentID] == nil {
		a.whitelist[agentID] = make(map[string]struct{})
	}
	a.whitelist[agentID][toolName] = struct{}{}
}

// AgentPolicy is the serialisable view of one agent's policy.
type AgentPolicy struct {
	Whitelist []string `json:"whitelist"`
	Blacklist []string `json:"blacklist"`
}

// Policy returns the agent's current whitelist and blacklist, sorted.
func (a *AccessControl) Policy(agentID string) AgentPolicy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AgentPolicy{
		Whitelist: sortedKeys(a.whitelist[agentID]),
		Blacklist: sortedKeys(a.blacklist[agentID]),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

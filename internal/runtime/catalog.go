package runtime

import (
	"sort"

	"github.com/fingerdev/finger/internal/module"
	"github.com/fingerdev/finger/internal/tools"
)

// Catalog detail layers, least to most detailed.
const (
	LayerSummary    = "summary"
	LayerExecution  = "execution"
	LayerGovernance = "governance"
	LayerFull       = "full"
)

// Catalog entry sources.
const (
	SourceConfig   = "config"
	SourceModule   = "module"
	SourceTemplate = "template"
)

// Implementation is one runtime backing of a logical agent.
type Implementation struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // provider | module
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	ModuleID string `json:"moduleId,omitempty"`
}

// CatalogEntry describes one known agent at the requested detail layer.
type CatalogEntry struct {
	ID              string           `json:"id"`
	Name            string           `json:"name,omitempty"`
	Role            string           `json:"role,omitempty"`
	Source          string           `json:"source"`
	Deployed        bool             `json:"deployed"`
	InstanceCount   int              `json:"instanceCount,omitempty"`
	AllowedTools    []string         `json:"allowedTools,omitempty"`
	Implementations []Implementation `json:"implementations,omitempty"`
	Governance      *GovernanceSpec  `json:"governance,omitempty"`
}

// SetAccessControl wires the tool access-control lists into the catalog, so
// entries can report each agent's allowed tools.
func (r *Runtime) SetAccessControl(access *tools.AccessControl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.access = access
}

// Catalog assembles known agents from on-disk configs, runtime-registered
// agent modules, and built-in startup templates. layer defaults to summary.
func (r *Runtime) Catalog(layer string) []CatalogEntry {
	if layer == "" {
		layer = LayerSummary
	}

	r.mu.Lock()
	entries := make(map[string]*CatalogEntry)
	for id, cfg := range r.configs {
		entries[id] = r.entryFromConfig(cfg, SourceConfig)
	}
	if r.registry != nil {
		for _, mod := range r.registry.List(module.KindAgent) {
			if _, ok := entries[mod.ID]; ok {
				continue
			}
			entries[mod.ID] = &CatalogEntry{
				ID:     mod.ID,
				Name:   mod.Name,
				Source: SourceModule,
				Implementations: []Implementation{
					{ID: "module", Kind: "module", ModuleID: mod.ID},
				},
			}
		}
	}
	for _, cfg := range builtinTemplates {
		if _, ok := entries[cfg.ID]; ok {
			continue
		}
		entries[cfg.ID] = r.entryFromConfig(cfg, SourceTemplate)
	}
	for id, entry := range entries {
		if state, ok := r.agents[id]; ok {
			entry.Deployed = len(state.instances) > 0
			entry.InstanceCount = len(state.instances)
		}
	}
	access := r.access
	r.mu.Unlock()

	out := make([]CatalogEntry, 0, len(entries))
	for _, entry := range entries {
		if access != nil {
			entry.AllowedTools = access.Policy(entry.ID).Whitelist
		}
		out = append(out, *trimToLayer(entry, layer))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Runtime) entryFromConfig(cfg *AgentConfig, source string) *CatalogEntry {
	entry := &CatalogEntry{
		ID:         cfg.ID,
		Name:       cfg.Name,
		Role:       cfg.Role,
		Source:     source,
		Governance: cfg.Governance,
	}
	if cfg.Provider != nil {
		model := cfg.Provider.Model
		if model == "" {
			model = cfg.Model
		}
		entry.Implementations = append(entry.Implementations, Implementation{
			ID:       "provider",
			Kind:     "provider",
			Provider: cfg.Provider.Type,
			Model:    model,
		})
	}
	entry.Implementations = append(entry.Implementations, Implementation{
		ID: "module", Kind: "module", ModuleID: cfg.ID,
	})
	return entry
}

func trimToLayer(entry *CatalogEntry, layer string) *CatalogEntry {
	trimmed := *entry
	switch layer {
	case LayerSummary:
		trimmed.AllowedTools = nil
		trimmed.Implementations = nil
		trimmed.Governance = nil
	case LayerExecution:
		trimmed.Governance = nil
	case LayerGovernance:
		trimmed.AllowedTools = nil
		trimmed.Implementations = nil
	}
	return &trimmed
}

// ListStartupTemplates returns the built-in agent templates usable without
// an on-disk config.
func (r *Runtime) ListStartupTemplates() []*AgentConfig {
	out := make([]*AgentConfig, len(builtinTemplates))
	copy(out, builtinTemplates)
	return out
}

var builtinTemplates = []*AgentConfig{
	{
		ID:   "planner",
		Name: "Planner",
		Role: "planner",
		Governance: &GovernanceSpec{Iflow: &IflowSpec{
			ApprovalMode: ApprovalPlan,
		}},
	},
	{
		ID:   "executor",
		Name: "Executor",
		Role: "executor",
		Governance: &GovernanceSpec{Iflow: &IflowSpec{
			ApprovalMode: ApprovalAutoEdit,
		}},
	},
	{
		ID:   "reviewer",
		Name: "Reviewer",
		Role: "reviewer",
		Governance: &GovernanceSpec{Iflow: &IflowSpec{
			ApprovalMode: ApprovalDefault,
		}},
	},
}

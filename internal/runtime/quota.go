package runtime

// Quota sources, most specific first.
const (
	QuotaSourceWorkflow = "workflow"
	QuotaSourceProject  = "project"
	QuotaSourceDefault  = "default"
)

// DefaultQuota applies when no quota policy is configured for an agent.
const DefaultQuota = 1

// QuotaPolicy bounds concurrent dispatches per agent at three scopes.
type QuotaPolicy struct {
	DefaultQuota  int            `json:"defaultQuota,omitempty"`
	ProjectQuota  *int           `json:"projectQuota,omitempty"`
	WorkflowQuota map[string]int `json:"workflowQuota,omitempty"`
}

// Resolve returns the effective quota for a workflow and which scope
// supplied it: workflow overrides project overrides default.
func (p *QuotaPolicy) Resolve(workflowID string) (int, string) {
	if p != nil {
		if workflowID != "" {
			if q, ok := p.WorkflowQuota[workflowID]; ok && q > 0 {
				return q, QuotaSourceWorkflow
			}
		}
		if p.ProjectQuota != nil && *p.ProjectQuota > 0 {
			return *p.ProjectQuota, QuotaSourceProject
		}
		if p.DefaultQuota > 0 {
			return p.DefaultQuota, QuotaSourceDefault
		}
	}
	return DefaultQuota, QuotaSourceDefault
}

// Merge overlays non-zero fields of other onto p.
func (p *QuotaPolicy) Merge(other *QuotaPolicy) {
	if other == nil {
		return
	}
	if other.DefaultQuota > 0 {
		p.DefaultQuota = other.DefaultQuota
	}
	if other.ProjectQuota != nil {
		v := *other.ProjectQuota
		p.ProjectQuota = &v
	}
	if len(other.WorkflowQuota) > 0 {
		if p.WorkflowQuota == nil {
			p.WorkflowQuota = make(map[string]int, len(other.WorkflowQuota))
		}
		for k, v := range other.WorkflowQuota {
			p.WorkflowQuota[k] = v
		}
	}
}

package runtime

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/workflow"
)

// Control actions.
const (
	ControlStatus    = "status"
	ControlPause     = "pause"
	ControlResume    = "resume"
	ControlInterrupt = "interrupt"
	ControlCancel    = "cancel"
	ControlDispatch  = "dispatch"
)

// InstanceView is the external shape of one runtime instance.
type InstanceView struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	SessionID  string `json:"sessionId,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
}

// AgentView summarises one agent's runtime state.
type AgentView struct {
	AgentID        string         `json:"agentId"`
	RunningCount   int            `json:"runningCount"`
	QueuedCount    int            `json:"queuedCount"`
	EffectiveQuota int            `json:"effectiveQuota"`
	QuotaSource    string         `json:"quotaSource"`
	LastEvent      string         `json:"lastEvent,omitempty"`
	Instances      []InstanceView `json:"instances"`
}

// View reports the runtime state of every deployed agent, with quotas
// resolved against workflowID.
func (r *Runtime) View(workflowID string) []AgentView {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]AgentView, 0, len(r.agents))
	for agentID, state := range r.agents {
		views = append(views, r.viewLocked(agentID, state, workflowID))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].AgentID < views[j].AgentID })
	return views
}

// AgentStatus reports one agent's runtime view.
func (r *Runtime) AgentStatus(agentID, workflowID string) (AgentView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.agents[agentID]
	if !ok {
		return AgentView{}, fmt.Errorf("%w: %s", ErrAgentNotStarted, agentID)
	}
	return r.viewLocked(agentID, state, workflowID), nil
}

func (r *Runtime) viewLocked(agentID string, state *agentState, workflowID string) AgentView {
	quota, source := state.quota.Resolve(workflowID)
	view := AgentView{
		AgentID:        agentID,
		RunningCount:   state.inflight(),
		QueuedCount:    len(state.queue),
		EffectiveQuota: quota,
		QuotaSource:    source,
		LastEvent:      state.lastEvent,
		Instances:      make([]InstanceView, 0, len(state.instances)),
	}
	providerID := ""
	if state.config != nil && state.config.Provider != nil {
		providerID = state.config.Provider.Type
	}
	for _, inst := range state.instances {
		// Synthesize status from the owner map: an instance is running iff
		// a dispatch currently holds it, whatever the stored status says.
		status := inst.Status
		if _, active := state.owners[inst.ID]; active {
			status = InstanceRunning
		} else if status == InstanceRunning || status == InstanceBusy {
			status = InstanceAvailable
		}
		view.Instances = append(view.Instances, InstanceView{
			ID:         inst.ID,
			Status:     status,
			SessionID:  inst.SessionID,
			ProviderID: providerID,
		})
	}
	return view
}

// ControlRequest is one control-plane operation against a target agent,
// session, or workflow.
type ControlRequest struct {
	Action     string           `json:"action"`
	Target     string           `json:"target,omitempty"`
	SessionID  string           `json:"sessionId,omitempty"`
	WorkflowID string           `json:"workflowId,omitempty"`
	Dispatch   *DispatchRequest `json:"dispatch,omitempty"`
}

// SetWorkflowManager wires workflow pause/resume delegation.
func (r *Runtime) SetWorkflowManager(m *workflow.Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows = m
}

// Control delegates status, pause, resume, interrupt, cancel, and dispatch
// operations to the owning subsystem.
func (r *Runtime) Control(ctx context.Context, req ControlRequest) (interface{}, error) {
	switch req.Action {
	case ControlStatus:
		if req.Target != "" {
			return r.AgentStatus(req.Target, req.WorkflowID)
		}
		return r.View(req.WorkflowID), nil

	case ControlPause:
		return nil, r.setSuspended(ctx, req, true)

	case ControlResume:
		return nil, r.setSuspended(ctx, req, false)

	case ControlInterrupt:
		return map[string]interface{}{"interrupted": r.Interrupt(req.Target)}, nil

	case ControlCancel:
		interrupted := r.Interrupt(req.Target)
		flushed := r.FlushQueue(ctx, req.Target)
		return map[string]interface{}{"interrupted": interrupted, "flushed": flushed}, nil

	case ControlDispatch:
		if req.Dispatch == nil {
			return nil, fmt.Errorf("control dispatch: missing dispatch request")
		}
		return r.Dispatch(ctx, *req.Dispatch)

	default:
		return nil, fmt.Errorf("unknown control action %q", req.Action)
	}
}

func (r *Runtime) setSuspended(ctx context.Context, req ControlRequest, paused bool) error {
	if req.WorkflowID != "" {
		r.mu.Lock()
		workflows := r.workflows
		r.mu.Unlock()
		if workflows == nil {
			return fmt.Errorf("no workflow manager configured")
		}
		status := workflow.StatusExecuting
		if paused {
			status = workflow.StatusPaused
		}
		return workflows.SetStatus(req.WorkflowID, status)
	}
	if req.SessionID != "" && r.sessions != nil {
		if paused {
			return r.sessions.Pause(ctx, req.SessionID)
		}
		return r.sessions.Resume(ctx, req.SessionID)
	}
	return fmt.Errorf("pause/resume needs a workflowId or sessionId")
}

// Interrupt aborts the running dispatches of one agent (or of every agent
// when agentID is empty) and returns how many were signalled.
func (r *Runtime) Interrupt(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, state := range r.agents {
		if agentID != "" && id != agentID {
			continue
		}
		for dispatchID, cancel := range state.cancels {
			cancel()
			delete(state.cancels, dispatchID)
			count++
		}
	}
	if count > 0 {
		r.logger.Info("interrupted running dispatches",
			zap.String("agent_id", agentID), zap.Int("count", count))
	}
	return count
}

// FlushQueue fails every queued dispatch of one agent (or all agents) with
// a cancellation, resolving blocked callers.
func (r *Runtime) FlushQueue(ctx context.Context, agentID string) int {
	r.mu.Lock()
	var flushed []*queuedDispatch
	for id, state := range r.agents {
		if agentID != "" && id != agentID {
			continue
		}
		flushed = append(flushed, state.queue...)
		state.queue = nil
	}
	r.mu.Unlock()

	for _, entry := range flushed {
		entry.assignment.ReviewDecision = ReviewRetry
		entry.assignment.advance(PhaseFailed)
		r.emitDispatch(ctx, "dispatch.failed", entry.req, entry.dispatchID, entry.assignment, 0)
		entry.assignment.advance(PhaseClosed)
		result := &DispatchResult{
			DispatchID: entry.dispatchID,
			Status:     StatusFailed,
			Error:      ErrDispatchCancelled.Error(),
			Assignment: entry.assignment,
		}
		if entry.resolve != nil {
			entry.resolve <- result
		}
	}
	return len(flushed)
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/common/tracing"
	"github.com/fingerdev/finger/internal/events/bus"
	"github.com/fingerdev/finger/internal/hub"
	"github.com/fingerdev/finger/internal/module"
	"github.com/fingerdev/finger/internal/session"
	"github.com/fingerdev/finger/internal/tools"
	"github.com/fingerdev/finger/internal/workflow"
)

// Instance statuses.
const (
	InstanceAvailable = "available"
	InstanceDeployed  = "deployed"
	InstanceBusy      = "busy"
	InstanceRunning   = "running"
	InstanceError     = "error"
	InstanceReleased  = "released"
)

// Dispatch result statuses.
const (
	StatusAccepted  = "accepted"
	StatusQueued    = "queued"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Assignment phases, advancing monotonically within one attempt.
const (
	PhaseAssigned  = "assigned"
	PhaseQueued    = "queued"
	PhaseStarted   = "started"
	PhaseReviewing = "reviewing"
	PhasePassed    = "passed"
	PhaseFailed    = "failed"
	PhaseRetry     = "retry"
	PhaseClosed    = "closed"
)

// Review decisions recorded on assignments.
const (
	ReviewPass   = "pass"
	ReviewReject = "reject"
	ReviewRetry  = "retry"
)

var (
	// ErrAgentNotStarted is returned when dispatching to an agent with no
	// deployed instances.
	ErrAgentNotStarted = errors.New("agent not started")
	// ErrDispatchDeadlock is returned for a blocking self-dispatch while the
	// source holds the target's only inflight slot.
	ErrDispatchDeadlock = errors.New("dispatch deadlock")
	// ErrDispatchCancelled surfaces for queued dispatches flushed by cancel.
	ErrDispatchCancelled = errors.New("dispatch cancelled")
)

// Instance is one deployed runtime slot of an agent.
type Instance struct {
	ID               string `json:"id"`
	AgentID          string `json:"agentId"`
	SessionID        string `json:"sessionId,omitempty"`
	ImplementationID string `json:"implementationId"`
	ModuleID         string `json:"moduleId,omitempty"`
	Status           string `json:"status"`
	TotalDeployments int    `json:"totalDeployments"`
	LastEvent        string `json:"lastEvent,omitempty"`
}

// Assignment tracks one dispatch through its phases.
type Assignment struct {
	DispatchID     string `json:"dispatchId"`
	SourceAgentID  string `json:"sourceAgentId"`
	TargetAgentID  string `json:"targetAgentId"`
	SessionID      string `json:"sessionId,omitempty"`
	WorkflowID     string `json:"workflowId,omitempty"`
	Phase          string `json:"phase"`
	ReviewDecision string `json:"reviewDecision,omitempty"`
	CreatedAtMs    int64  `json:"createdAtMs"`
	UpdatedAtMs    int64  `json:"updatedAtMs"`
}

func (a *Assignment) advance(phase string) {
	a.Phase = phase
	a.UpdatedAtMs = time.Now().UnixMilli()
}

// DeployRequest creates or replaces the instance pool of an agent.
type DeployRequest struct {
	AgentID          string                 `json:"agentId"`
	ImplementationID string                 `json:"implementationId,omitempty"`
	ModuleID         string                 `json:"moduleId,omitempty"`
	InstanceCount    int                    `json:"instanceCount,omitempty"`
	SessionID        string                 `json:"sessionId,omitempty"`
	ProviderConfig   map[string]interface{} `json:"providerConfig,omitempty"`
	Quota            *QuotaPolicy           `json:"quota,omitempty"`
}

// DispatchRequest asks a target agent to handle a task.
type DispatchRequest struct {
	SourceAgentID string      `json:"sourceAgentId"`
	TargetAgentID string      `json:"targetAgentId"`
	Task          interface{} `json:"task"`
	SessionID     string      `json:"sessionId,omitempty"`
	WorkflowID    string      `json:"workflowId,omitempty"`
	Blocking      bool        `json:"blocking,omitempty"`
	QueueOnBusy   bool        `json:"queueOnBusy,omitempty"`
	Assignment    *Assignment `json:"assignment,omitempty"`
}

// DispatchResult is the caller-visible outcome of a dispatch.
type DispatchResult struct {
	DispatchID    string      `json:"dispatchId"`
	Status        string      `json:"status"`
	QueuePosition int         `json:"queuePosition,omitempty"`
	Result        interface{} `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	Assignment    *Assignment `json:"assignment,omitempty"`
}

type queuedDispatch struct {
	dispatchID string
	req        DispatchRequest
	assignment *Assignment
	resolve    chan *DispatchResult // nil for fire-and-forget entries
}

type agentState struct {
	config         *AgentConfig
	quota          QuotaPolicy
	instances      []*Instance
	providerConfig map[string]interface{}
	queue          []*queuedDispatch
	owners         map[string]string             // instance id → source agent holding it
	cancels        map[string]context.CancelFunc // dispatch id → abort
	lastEvent      string
}

func (a *agentState) inflight() int { return len(a.owners) }

func (a *agentState) freeInstance() *Instance {
	for _, inst := range a.instances {
		if inst.Status == InstanceAvailable || inst.Status == InstanceDeployed {
			return inst
		}
	}
	return nil
}

// Runtime owns the agent pools and the dispatch path.
type Runtime struct {
	hub      *hub.Hub
	registry *module.Registry
	sessions *session.Manager
	events   bus.EventBus
	logger   *logger.Logger

	configDir string

	mu        sync.Mutex
	agents    map[string]*agentState
	configs   map[string]*AgentConfig
	access    *tools.AccessControl
	workflows *workflow.Manager
}

// New wires the runtime. sessions and events may be nil.
func New(configDir string, h *hub.Hub, registry *module.Registry, sessions *session.Manager, events bus.EventBus, log *logger.Logger) *Runtime {
	return &Runtime{
		hub:       h,
		registry:  registry,
		sessions:  sessions,
		events:    events,
		configDir: configDir,
		agents:    make(map[string]*agentState),
		configs:   make(map[string]*AgentConfig),
		logger:    log.WithFields(zap.String("component", "agent_runtime")),
	}
}

// LoadConfigs reads the on-disk agent configs into the catalog.
func (r *Runtime) LoadConfigs() error {
	configs, err := LoadAgentConfigs(r.configDir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range configs {
		r.configs[cfg.ID] = cfg
	}
	return nil
}

// Deploy creates or replaces the instance pool for an agent. It must run
// before any dispatch to that agent.
func (r *Runtime) Deploy(ctx context.Context, req DeployRequest) ([]*Instance, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("deploy: agentId is required")
	}
	count := req.InstanceCount
	if count <= 0 {
		count = 1
	}
	implementationID := req.ImplementationID
	if implementationID == "" {
		implementationID = "module"
	}
	moduleID := req.ModuleID
	if moduleID == "" {
		moduleID = req.AgentID
	}

	r.mu.Lock()
	state, ok := r.agents[req.AgentID]
	if !ok {
		state = &agentState{
			config:  r.configs[req.AgentID],
			owners:  make(map[string]string),
			cancels: make(map[string]context.CancelFunc),
		}
		r.agents[req.AgentID] = state
	}
	deployments := 1
	if len(state.instances) > 0 {
		deployments = state.instances[0].TotalDeployments + 1
	}
	state.instances = make([]*Instance, 0, count)
	for i := 0; i < count; i++ {
		state.instances = append(state.instances, &Instance{
			ID:               fmt.Sprintf("%s-%d", req.AgentID, i),
			AgentID:          req.AgentID,
			SessionID:        req.SessionID,
			ImplementationID: implementationID,
			ModuleID:         moduleID,
			Status:           InstanceDeployed,
			TotalDeployments: deployments,
		})
	}
	if len(req.ProviderConfig) > 0 {
		if state.providerConfig == nil {
			state.providerConfig = make(map[string]interface{})
		}
		for k, v := range req.ProviderConfig {
			state.providerConfig[k] = v
		}
	}
	state.quota.Merge(req.Quota)
	instances := append([]*Instance(nil), state.instances...)
	r.mu.Unlock()

	r.emit(ctx, "agent_deployed", req.SessionID, map[string]interface{}{
		"agentId":       req.AgentID,
		"instanceCount": count,
		"moduleId":      moduleID,
	})
	r.logger.Info("agent deployed",
		zap.String("agent_id", req.AgentID),
		zap.Int("instances", count))
	return instances, nil
}

// Dispatch routes a task to a deployed agent, bounded by its effective
// quota. Over-quota dispatches are always enqueued; queueOnBusy only
// controls whether the caller learns its queue position.
func (r *Runtime) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	dispatchID := "dsp-" + uuid.New().String()
	assignment := req.Assignment
	if assignment == nil {
		now := time.Now().UnixMilli()
		assignment = &Assignment{
			DispatchID:    dispatchID,
			SourceAgentID: req.SourceAgentID,
			TargetAgentID: req.TargetAgentID,
			SessionID:     req.SessionID,
			WorkflowID:    req.WorkflowID,
			Phase:         PhaseAssigned,
			CreatedAtMs:   now,
			UpdatedAtMs:   now,
		}
	}

	r.mu.Lock()
	state, ok := r.agents[req.TargetAgentID]
	if !ok || len(state.instances) == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotStarted, req.TargetAgentID)
	}

	quota, _ := r.effectiveQuota(state, req.WorkflowID)
	inst := state.freeInstance()
	if state.inflight() < quota && inst != nil {
		inst.Status = InstanceRunning
		state.owners[inst.ID] = req.SourceAgentID
		base := ctx
		if !req.Blocking {
			base = context.WithoutCancel(ctx)
		}
		runCtx, cancel := context.WithCancel(base)
		state.cancels[dispatchID] = cancel
		r.mu.Unlock()

		r.emitDispatch(ctx, "dispatch.accepted", req, dispatchID, assignment, 0)
		r.logDispatchMessage(req)

		if req.Blocking {
			return r.run(runCtx, state, inst, dispatchID, req, assignment), nil
		}
		go r.run(runCtx, state, inst, dispatchID, req, assignment)
		return &DispatchResult{DispatchID: dispatchID, Status: StatusAccepted, Assignment: assignment}, nil
	}

	// At quota. A blocking self-dispatch whose source holds the only
	// inflight slot can never drain; fail it instead of wedging.
	if req.Blocking && req.SourceAgentID == req.TargetAgentID && state.inflight() == 1 {
		for _, owner := range state.owners {
			if owner == req.SourceAgentID {
				r.mu.Unlock()
				return nil, fmt.Errorf("%w: %s holds the only slot of %s",
					ErrDispatchDeadlock, req.SourceAgentID, req.TargetAgentID)
			}
		}
	}

	entry := &queuedDispatch{dispatchID: dispatchID, req: req, assignment: assignment}
	if req.Blocking {
		entry.resolve = make(chan *DispatchResult, 1)
	}
	state.queue = append(state.queue, entry)
	position := len(state.queue)
	r.mu.Unlock()

	assignment.advance(PhaseQueued)
	r.emitDispatch(ctx, "dispatch.queued", req, dispatchID, assignment, position)
	r.logDispatchMessage(req)

	if req.Blocking {
		select {
		case result := <-entry.resolve:
			return result, nil
		case <-ctx.Done():
			r.removeQueued(req.TargetAgentID, dispatchID)
			return nil, ctx.Err()
		}
	}
	if !req.QueueOnBusy {
		// Still enqueued (lossless), but the caller opted out of queue
		// tracking and gets no position.
		return &DispatchResult{DispatchID: dispatchID, Status: StatusQueued, QueuePosition: 0, Assignment: assignment}, nil
	}
	return &DispatchResult{DispatchID: dispatchID, Status: StatusQueued, QueuePosition: position, Assignment: assignment}, nil
}

// run executes one dispatch on a reserved instance and then drains the
// queue. Returns the terminal result.
func (r *Runtime) run(ctx context.Context, state *agentState, inst *Instance, dispatchID string, req DispatchRequest, assignment *Assignment) *DispatchResult {
	ctx, span := tracing.TraceDispatch(ctx, dispatchID, req.SourceAgentID, req.TargetAgentID, req.Blocking)
	defer span.End()

	assignment.advance(PhaseStarted)
	r.emitDispatch(ctx, "dispatch.started", req, dispatchID, assignment, 0)

	msg := &hub.Message{
		ID:        dispatchID,
		Type:      "agent_task",
		Target:    inst.ModuleID,
		Source:    req.SourceAgentID,
		SessionID: req.SessionID,
		Blocking:  true,
		Payload:   normalizeTask(req.Task),
	}
	output, err := r.hub.SendToModule(ctx, inst.ModuleID, msg, nil)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	result := &DispatchResult{DispatchID: dispatchID, Assignment: assignment, Result: output}
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		assignment.ReviewDecision = ReviewReject
		assignment.advance(PhaseFailed)
	} else {
		result.Status = StatusCompleted
		assignment.advance(PhaseReviewing)
		switch decision := reviewDecision(output); decision {
		case ReviewRetry:
			assignment.ReviewDecision = ReviewRetry
			assignment.advance(PhaseRetry)
		case ReviewReject:
			assignment.ReviewDecision = ReviewReject
			assignment.advance(PhaseFailed)
		default:
			assignment.ReviewDecision = ReviewPass
			assignment.advance(PhasePassed)
		}
	}

	tracing.TraceDispatchResult(span, result.Status, err)

	r.mu.Lock()
	inst.Status = InstanceAvailable
	inst.LastEvent = result.Status
	state.lastEvent = result.Status
	delete(state.owners, inst.ID)
	if cancel, ok := state.cancels[dispatchID]; ok {
		cancel()
		delete(state.cancels, dispatchID)
	}
	r.mu.Unlock()

	eventType := "dispatch.completed"
	if err != nil {
		eventType = "dispatch.failed"
	}
	r.emitDispatch(ctx, eventType, req, dispatchID, assignment, 0)
	r.emit(ctx, "agent_runtime_dispatch", req.SessionID, map[string]interface{}{
		"dispatchId": dispatchID,
		"agentId":    req.TargetAgentID,
		"status":     result.Status,
	})
	assignment.advance(PhaseClosed)

	r.drain(req.TargetAgentID)
	return result
}

// drain starts queued dispatches while free slots exist.
func (r *Runtime) drain(agentID string) {
	for {
		r.mu.Lock()
		state, ok := r.agents[agentID]
		if !ok || len(state.queue) == 0 {
			r.mu.Unlock()
			return
		}
		quota, _ := r.effectiveQuota(state, state.queue[0].req.WorkflowID)
		inst := state.freeInstance()
		if state.inflight() >= quota || inst == nil {
			r.mu.Unlock()
			return
		}
		entry := state.queue[0]
		state.queue = state.queue[1:]
		inst.Status = InstanceRunning
		state.owners[inst.ID] = entry.req.SourceAgentID
		runCtx, cancel := context.WithCancel(context.Background())
		state.cancels[entry.dispatchID] = cancel
		r.mu.Unlock()

		go func(e *queuedDispatch, i *Instance, c context.Context) {
			result := r.run(c, state, i, e.dispatchID, e.req, e.assignment)
			if e.resolve != nil {
				e.resolve <- result
			}
		}(entry, inst, runCtx)
	}
}

// removeQueued drops a queue entry whose blocking caller gave up.
func (r *Runtime) removeQueued(agentID, dispatchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.agents[agentID]
	if !ok {
		return
	}
	for i, entry := range state.queue {
		if entry.dispatchID == dispatchID {
			state.queue = append(state.queue[:i], state.queue[i+1:]...)
			return
		}
	}
}

func (r *Runtime) effectiveQuota(state *agentState, workflowID string) (int, string) {
	return state.quota.Resolve(workflowID)
}

// logDispatchMessage records the user-visible task text in the session
// message log. Best effort; empty text skips.
func (r *Runtime) logDispatchMessage(req DispatchRequest) {
	if r.sessions == nil || req.SessionID == "" {
		return
	}
	text := taskText(req.Task)
	if text == "" {
		return
	}
	if _, err := r.sessions.AppendMessage(req.SessionID, "user", "dispatch", text); err != nil {
		r.logger.Warn("dispatch message log failed",
			zap.String("session_id", req.SessionID), zap.Error(err))
	}
}

func (r *Runtime) emitDispatch(ctx context.Context, eventType string, req DispatchRequest, dispatchID string, assignment *Assignment, position int) {
	snapshot := *assignment
	payload := map[string]interface{}{
		"dispatchId":    dispatchID,
		"sourceAgentId": req.SourceAgentID,
		"targetAgentId": req.TargetAgentID,
		"assignment":    &snapshot,
	}
	if req.WorkflowID != "" {
		payload["workflowId"] = req.WorkflowID
	}
	if position > 0 {
		payload["queuePosition"] = position
	}
	r.emit(ctx, eventType, req.SessionID, payload)
}

func (r *Runtime) emit(ctx context.Context, eventType, sessionID string, payload map[string]interface{}) {
	if r.events == nil {
		return
	}
	evt := bus.New(eventType, bus.GroupTask, payload)
	if sessionID != "" {
		evt.WithSession(sessionID)
	}
	r.events.Emit(ctx, evt)
}

// reviewDecision reads a child-supplied review decision out of the dispatch
// output. Outputs without one default to pass.
func reviewDecision(output interface{}) string {
	m, ok := output.(map[string]interface{})
	if !ok {
		return ReviewPass
	}
	decision, _ := m["reviewDecision"].(string)
	switch decision {
	case ReviewRetry, ReviewReject:
		return decision
	default:
		return ReviewPass
	}
}

// normalizeTask shapes the task payload for the hub message.
func normalizeTask(task interface{}) map[string]interface{} {
	switch v := task.(type) {
	case map[string]interface{}:
		return v
	case nil:
		return map[string]interface{}{}
	default:
		return map[string]interface{}{"text": fmt.Sprintf("%v", v)}
	}
}

// taskText extracts the human-readable task text, if any.
func taskText(task interface{}) string {
	switch v := task.(type) {
	case string:
		return v
	case map[string]interface{}:
		if text, ok := v["text"].(string); ok {
			return text
		}
	}
	return ""
}

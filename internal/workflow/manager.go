package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// ErrWorkflowNotFound is returned for unknown workflow ids.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// Manager owns the in-memory workflow set. Memory stays authoritative;
// persistence failures are logged and do not fail the mutation.
type Manager struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	busy      map[string]struct{}
	agents    map[string]string // agentID -> role
	dir       string
	events    bus.EventBus
	logger    *logger.Logger
}

// NewManager creates a manager persisting under dir. events may be nil.
func NewManager(dir string, events bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		workflows: make(map[string]*Workflow),
		busy:      make(map[string]struct{}),
		agents:    make(map[string]string),
		dir:       dir,
		events:    events,
		logger:    log.WithFields(zap.String("component", "workflow_manager")),
	}
}

// Load reads persisted workflows from disk into memory.
func (m *Manager) Load() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workflow dir: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			m.logger.Warn("skipping unreadable workflow file",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		var wf Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			m.logger.Warn("skipping corrupt workflow file",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if wf.Tasks == nil {
			wf.Tasks = make(map[string]*TaskNode)
		}
		m.workflows[wf.ID] = &wf
	}
	m.logger.Info("workflows loaded", zap.Int("count", len(m.workflows)))
	return nil
}

// CreateWorkflow creates a workflow, or returns the existing one when the id
// is already known.
func (m *Manager) CreateWorkflow(ctx context.Context, id, sessionID, epicID, userTask string) *Workflow {
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	if existing, ok := m.workflows[id]; ok {
		m.mu.Unlock()
		return existing
	}
	now := nowMs()
	wf := &Workflow{
		ID:          id,
		SessionID:   sessionID,
		EpicID:      epicID,
		UserTask:    userTask,
		Status:      StatusPlanning,
		Tasks:       make(map[string]*TaskNode),
		Context:     make(map[string]interface{}),
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	m.workflows[id] = wf
	m.mu.Unlock()

	m.persist(wf)
	if m.events != nil {
		m.events.Emit(ctx, bus.New("workflow_created", bus.GroupTask, map[string]interface{}{
			"workflowId": id,
			"sessionId":  sessionID,
		}).WithSession(sessionID))
	}
	return wf
}

// Get returns a workflow by id.
func (m *Manager) Get(id string) (*Workflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	return wf, ok
}

// List returns all workflows sorted by creation time.
func (m *Manager) List() []*Workflow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs < out[j].CreatedAtMs })
	return out
}

// AddTask inserts a task and rewires the dependents closure. New tasks start
// pending unless a status was set.
func (m *Manager) AddTask(workflowID string, task *TaskNode) error {
	m.mu.Lock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	wf.Tasks[task.ID] = task
	wf.rebuildDependents()
	wf.UpdatedAtMs = nowMs()
	m.mu.Unlock()

	m.persist(wf)
	return nil
}

// UpdateTaskStatus applies a status change, stamps timestamps, releases the
// assignee on terminal transitions, and promotes newly unblocked tasks to
// ready.
func (m *Manager) UpdateTaskStatus(ctx context.Context, workflowID, taskID, status string) error {
	m.mu.Lock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	task, ok := wf.Tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrTaskNotFound, taskID, workflowID)
	}

	now := nowMs()
	task.Status = status
	if status == "running" && task.StartedAtMs == 0 {
		task.StartedAtMs = now
	}
	if terminal(status) {
		task.CompletedAtMs = now
		if task.Assignee != "" {
			delete(m.busy, task.Assignee)
		}
	}

	promoted := make([]string, 0)
	if terminalSuccess(status) {
		for _, candidate := range wf.Tasks {
			switch candidate.Status {
			case TaskPending, TaskBlocked, "created":
			default:
				continue
			}
			if wf.depsSatisfied(candidate) {
				candidate.Status = TaskReady
				promoted = append(promoted, candidate.ID)
			}
		}
	}
	wf.UpdatedAtMs = now
	m.mu.Unlock()

	m.persist(wf)
	if m.events != nil {
		m.events.Emit(ctx, bus.New("task_status_changed", bus.GroupTask, map[string]interface{}{
			"workflowId": workflowID,
			"taskId":     taskID,
			"status":     status,
			"promoted":   promoted,
		}).WithSession(wf.SessionID))
	}
	return nil
}

// SetStatus changes the workflow's own status.
func (m *Manager) SetStatus(workflowID, status string) error {
	m.mu.Lock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	wf.Status = status
	wf.UpdatedAtMs = nowMs()
	m.mu.Unlock()

	m.persist(wf)
	return nil
}

// GetReadyTasks returns tasks whose dependencies are all satisfied and that
// have not started yet.
func (m *Manager) GetReadyTasks(workflowID string) ([]*TaskNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return wf.readyTasks(), nil
}

// AssignTask binds a task to an agent and marks the agent busy.
func (m *Manager) AssignTask(workflowID, taskID, agentID string) error {
	m.mu.Lock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	task, ok := wf.Tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.Assignee = agentID
	m.busy[agentID] = struct{}{}
	wf.UpdatedAtMs = nowMs()
	m.mu.Unlock()

	m.persist(wf)
	return nil
}

// RegisterAgent makes an agent visible to GetAvailableAgents.
func (m *Manager) RegisterAgent(agentID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agentID] = role
}

// GetAvailableAgents returns registered agents with the given role (""
// matches all) that are not busy.
func (m *Manager) GetAvailableAgents(role string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.agents))
	for id, agentRole := range m.agents {
		if role != "" && agentRole != role {
			continue
		}
		if _, taken := m.busy[id]; taken {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsAgentBusy reports whether the agent holds an active assignment.
func (m *Manager) IsAgentBusy(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, busy := m.busy[agentID]
	return busy
}

// persist writes the workflow via a temp file rename so readers never see a
// partial document.
func (m *Manager) persist(wf *Workflow) {
	m.mu.RLock()
	raw, err := json.MarshalIndent(wf, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		m.logger.Error("workflow marshal failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		m.logger.Error("workflow dir unavailable", zap.String("dir", m.dir), zap.Error(err))
		return
	}
	target := filepath.Join(m.dir, wf.ID+".json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		m.logger.Error("workflow persist failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, target); err != nil {
		m.logger.Error("workflow persist rename failed", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
}

package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Checkpoint is a point-in-time serialisation of a workflow with its tasks
// flattened to a list.
type Checkpoint struct {
	ID          string      `json:"id"`
	WorkflowID  string      `json:"workflowId"`
	SessionID   string      `json:"sessionId,omitempty"`
	Status      string      `json:"status"`
	UserTask    string      `json:"userTask,omitempty"`
	Tasks       []*TaskNode `json:"tasks"`
	CreatedAtMs int64       `json:"createdAtMs"`
}

// ResumeContext is the replayable summary rebuilt from a checkpoint.
type ResumeContext struct {
	WorkflowID        string   `json:"workflowId"`
	SessionID         string   `json:"sessionId,omitempty"`
	UserTask          string   `json:"userTask,omitempty"`
	CompletedTaskIDs  []string `json:"completedTaskIds"`
	PendingTaskIDs    []string `json:"pendingTaskIds"`
	FailedTaskIDs     []string `json:"failedTaskIds"`
	EstimatedProgress float64  `json:"estimatedProgress"`
}

func (m *Manager) checkpointDir() string {
	return filepath.Join(m.dir, "checkpoints")
}

// CreateCheckpoint snapshots a workflow and returns the checkpoint id.
func (m *Manager) CreateCheckpoint(workflowID string) (string, error) {
	m.mu.RLock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		m.mu.RUnlock()
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	ck := &Checkpoint{
		ID:          "ckpt-" + uuid.New().String(),
		WorkflowID:  wf.ID,
		SessionID:   wf.SessionID,
		Status:      wf.Status,
		UserTask:    wf.UserTask,
		Tasks:       make([]*TaskNode, 0, len(wf.Tasks)),
		CreatedAtMs: nowMs(),
	}
	for _, task := range wf.Tasks {
		copied := *task
		ck.Tasks = append(ck.Tasks, &copied)
	}
	m.mu.RUnlock()
	sort.Slice(ck.Tasks, func(i, j int) bool { return ck.Tasks[i].ID < ck.Tasks[j].ID })

	raw, err := json.MarshalIndent(ck, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(m.checkpointDir(), 0o755); err != nil {
		return "", fmt.Errorf("checkpoint dir: %w", err)
	}
	path := filepath.Join(m.checkpointDir(), ck.ID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}

	m.logger.Info("checkpoint created",
		zap.String("workflow_id", workflowID),
		zap.String("checkpoint_id", ck.ID))
	return ck.ID, nil
}

// GetCheckpoint loads a checkpoint by id.
func (m *Manager) GetCheckpoint(checkpointID string) (*Checkpoint, error) {
	raw, err := os.ReadFile(filepath.Join(m.checkpointDir(), checkpointID+".json"))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", checkpointID, err)
	}
	var ck Checkpoint
	if err := json.Unmarshal(raw, &ck); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", checkpointID, err)
	}
	return &ck, nil
}

// FindLatestCheckpoint returns the newest checkpoint for a session whose
// workflow is still active. Completed and failed workflows are excluded.
func (m *Manager) FindLatestCheckpoint(sessionID string) (*Checkpoint, error) {
	entries, err := os.ReadDir(m.checkpointDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var latest *Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ck, err := m.GetCheckpoint(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			m.logger.Warn("skipping unreadable checkpoint",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if ck.SessionID != sessionID {
			continue
		}
		if wf, ok := m.Get(ck.WorkflowID); ok && !wf.Active() {
			continue
		}
		if latest == nil || ck.CreatedAtMs > latest.CreatedAtMs {
			latest = ck
		}
	}
	return latest, nil
}

// BuildResumeContext summarises a checkpoint into the ids and progress a
// resumed orchestration needs.
func (m *Manager) BuildResumeContext(ck *Checkpoint) *ResumeContext {
	rc := &ResumeContext{
		WorkflowID:       ck.WorkflowID,
		SessionID:        ck.SessionID,
		UserTask:         ck.UserTask,
		CompletedTaskIDs: []string{},
		PendingTaskIDs:   []string{},
		FailedTaskIDs:    []string{},
	}
	for _, task := range ck.Tasks {
		switch {
		case terminalSuccess(task.Status):
			rc.CompletedTaskIDs = append(rc.CompletedTaskIDs, task.ID)
		case terminalFailure(task.Status):
			rc.FailedTaskIDs = append(rc.FailedTaskIDs, task.ID)
		default:
			rc.PendingTaskIDs = append(rc.PendingTaskIDs, task.ID)
		}
	}
	if total := len(ck.Tasks); total > 0 {
		rc.EstimatedProgress = float64(len(rc.CompletedTaskIDs)) / float64(total)
	}
	return rc
}

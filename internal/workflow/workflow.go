// Package workflow tracks workflows as dependency graphs of tasks, keeps the
// busy-agent bookkeeping, and persists every mutation so a session can be
// resumed from its latest checkpoint.
package workflow

import (
	"sort"
	"time"

	"github.com/fingerdev/finger/internal/fsm"
)

// Workflow statuses.
const (
	StatusPlanning  = "planning"
	StatusExecuting = "executing"
	StatusReview    = "review"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Task statuses managed by the graph (the full per-task lifecycle lives in
// the task FSM; the graph only needs the coarse buckets below).
const (
	TaskPending = "pending"
	TaskReady   = "ready"
	TaskBlocked = "blocked"
)

// TaskNode is one node of the workflow dependency graph.
type TaskNode struct {
	ID            string        `json:"id"`
	Description   string        `json:"description,omitempty"`
	Type          string        `json:"type,omitempty"`
	Status        string        `json:"status"`
	Dependencies  []string      `json:"dependencies,omitempty"`
	Dependents    []string      `json:"dependents,omitempty"`
	Assignee      string        `json:"assignee,omitempty"`
	StartedAtMs   int64         `json:"startedAtMs,omitempty"`
	CompletedAtMs int64         `json:"completedAtMs,omitempty"`
	DeadlineMs    int64         `json:"deadlineMs,omitempty"`
	Result        interface{}   `json:"result,omitempty"`
}

// Workflow is the persisted aggregate.
type Workflow struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"sessionId,omitempty"`
	EpicID      string                 `json:"epicId,omitempty"`
	UserTask    string                 `json:"userTask,omitempty"`
	Status      string                 `json:"status"`
	Tasks       map[string]*TaskNode   `json:"tasks"`
	Context     map[string]interface{} `json:"context,omitempty"`
	CreatedAtMs int64                  `json:"createdAtMs"`
	UpdatedAtMs int64                  `json:"updatedAtMs"`
}

// Active reports whether the workflow participates in resume scans.
func (w *Workflow) Active() bool {
	return w.Status != StatusCompleted && w.Status != StatusFailed
}

// terminalSuccess reports whether a task status satisfies its dependents.
func terminalSuccess(status string) bool {
	return fsm.TaskTerminalSuccess(status)
}

// terminalFailure covers the dead-end task statuses.
func terminalFailure(status string) bool {
	switch status {
	case fsm.TaskExecutionFailed, fsm.TaskDispatchFailed, "failed":
		return true
	}
	return false
}

func terminal(status string) bool {
	return terminalSuccess(status) || terminalFailure(status)
}

// depsSatisfied reports whether every dependency finished successfully.
func (w *Workflow) depsSatisfied(task *TaskNode) bool {
	for _, dep := range task.Dependencies {
		depTask, ok := w.Tasks[dep]
		if !ok || !terminalSuccess(depTask.Status) {
			return false
		}
	}
	return true
}

// readyTasks returns tasks with no unmet dependencies that have not started.
func (w *Workflow) readyTasks() []*TaskNode {
	out := make([]*TaskNode, 0)
	for _, task := range w.Tasks {
		switch task.Status {
		case TaskPending, TaskReady, TaskBlocked, fsm.TaskCreated:
		default:
			continue
		}
		if w.depsSatisfied(task) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// rebuildDependents recomputes every task's dependents as the transitive
// closure of dependency back-edges.
func (w *Workflow) rebuildDependents() {
	for _, task := range w.Tasks {
		task.Dependents = nil
	}
	for _, task := range w.Tasks {
		seen := make(map[string]struct{})
		w.collectAncestors(task, task.ID, seen)
	}
	for _, task := range w.Tasks {
		sort.Strings(task.Dependents)
	}
}

func (w *Workflow) collectAncestors(task *TaskNode, dependentID string, seen map[string]struct{}) {
	for _, dep := range task.Dependencies {
		if _, done := seen[dep]; done {
			continue
		}
		seen[dep] = struct{}{}
		ancestor, ok := w.Tasks[dep]
		if !ok {
			continue
		}
		ancestor.Dependents = append(ancestor.Dependents, dependentID)
		w.collectAncestors(ancestor, dependentID, seen)
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fingerdev/finger/internal/events/bus"
	"github.com/fingerdev/finger/internal/workflow"
)

// ListWorkflows returns every known workflow.
// GET /api/v1/workflows
func (h *Handler) ListWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": h.deps.Workflows.List()})
}

// GetWorkflow returns one workflow snapshot.
// GET /api/v1/workflows/:id
func (h *Handler) GetWorkflow(c *gin.Context) {
	wf, ok := h.deps.Workflows.Get(c.Param("id"))
	if !ok {
		fail(c, workflow.ErrWorkflowNotFound)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// WorkflowState returns the execution state: status plus ready task ids.
// GET /api/v1/workflows/:id/state
func (h *Handler) WorkflowState(c *gin.Context) {
	id := c.Param("id")
	wf, ok := h.deps.Workflows.Get(id)
	if !ok {
		fail(c, workflow.ErrWorkflowNotFound)
		return
	}
	ready, err := h.deps.Workflows.GetReadyTasks(id)
	if err != nil {
		fail(c, err)
		return
	}
	readyIDs := make([]string, 0, len(ready))
	for _, task := range ready {
		readyIDs = append(readyIDs, task.ID)
	}
	c.JSON(http.StatusOK, gin.H{
		"workflowId": wf.ID,
		"status":     wf.Status,
		"taskCount":  len(wf.Tasks),
		"readyTasks": readyIDs,
	})
}

// WorkflowOpRequest targets a workflow, optionally with user input.
type WorkflowOpRequest struct {
	WorkflowID string                 `json:"workflowId" binding:"required"`
	Input      map[string]interface{} `json:"input,omitempty"`
}

// PauseWorkflow suspends a workflow.
// POST /api/v1/workflow/pause
func (h *Handler) PauseWorkflow(c *gin.Context) {
	var req WorkflowOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.deps.Workflows.SetStatus(req.WorkflowID, workflow.StatusPaused); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": workflow.StatusPaused})
}

// ResumeWorkflow puts a paused workflow back into execution.
// POST /api/v1/workflow/resume
func (h *Handler) ResumeWorkflow(c *gin.Context) {
	var req WorkflowOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.deps.Workflows.SetStatus(req.WorkflowID, workflow.StatusExecuting); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": workflow.StatusExecuting})
}

// WorkflowInput forwards user input to a waiting workflow.
// POST /api/v1/workflow/input
func (h *Handler) WorkflowInput(c *gin.Context) {
	var req WorkflowOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	wf, ok := h.deps.Workflows.Get(req.WorkflowID)
	if !ok {
		fail(c, workflow.ErrWorkflowNotFound)
		return
	}
	event := bus.New("workflow_input", bus.GroupHumanInLoop, map[string]interface{}{
		"workflowId": req.WorkflowID,
		"input":      req.Input,
	})
	if wf.SessionID != "" {
		event.WithSession(wf.SessionID)
	}
	h.deps.Events.Emit(c.Request.Context(), event)
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// CheckpointRequest names the workflow to snapshot.
type CheckpointRequest struct {
	WorkflowID string `json:"workflowId" binding:"required"`
}

// CreateCheckpoint snapshots a workflow for later resume.
// POST /api/v1/session/checkpoint
func (h *Handler) CreateCheckpoint(c *gin.Context) {
	var req CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	id, err := h.deps.Workflows.CreateCheckpoint(req.WorkflowID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"checkpointId": id})
}

// GetCheckpoint fetches one checkpoint by id.
// GET /api/v1/session/checkpoint/:id
func (h *Handler) GetCheckpoint(c *gin.Context) {
	ck, err := h.deps.Workflows.GetCheckpoint(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ck)
}

// LatestCheckpoint finds the most recent resumable checkpoint of a session.
// GET /api/v1/session/:id/checkpoint/latest
func (h *Handler) LatestCheckpoint(c *gin.Context) {
	ck, err := h.deps.Workflows.FindLatestCheckpoint(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if ck == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no resumable checkpoint"})
		return
	}
	c.JSON(http.StatusOK, ck)
}

// ResumeRequest names the session to resume.
type ResumeRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// ResumeFromCheckpoint builds the resume context from the latest
// resumable checkpoint of a session.
// POST /api/v1/session/resume
func (h *Handler) ResumeFromCheckpoint(c *gin.Context) {
	var req ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ck, err := h.deps.Workflows.FindLatestCheckpoint(req.SessionID)
	if err != nil {
		fail(c, err)
		return
	}
	if ck == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no resumable checkpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"checkpoint":    ck,
		"resumeContext": h.deps.Workflows.BuildResumeContext(ck),
	})
}

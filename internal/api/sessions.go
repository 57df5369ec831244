package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CreateSessionRequest names a new session.
type CreateSessionRequest struct {
	Name     string                 `json:"name"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CreateSession creates a session; the first one becomes current.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess := h.deps.Sessions.Create(c.Request.Context(), req.Name, req.Metadata)
	c.JSON(http.StatusCreated, sess)
}

// ListSessions returns every session.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.deps.Sessions.List()})
}

// CurrentSession returns the selected session.
// GET /api/v1/sessions/current
func (h *Handler) CurrentSession(c *gin.Context) {
	sess, ok := h.deps.Sessions.Current()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no current session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// SetCurrentSessionRequest selects a session.
type SetCurrentSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// SetCurrentSession switches the current session.
// POST /api/v1/sessions/current
func (h *Handler) SetCurrentSession(c *gin.Context) {
	var req SetCurrentSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.deps.Sessions.SetCurrent(req.SessionID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current": req.SessionID})
}

// GetSession returns one session by id.
// GET /api/v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	sess, ok := h.deps.Sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession removes a session.
// DELETE /api/v1/sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.deps.Sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// PauseSession pauses a session.
// POST /api/v1/sessions/:id/pause
func (h *Handler) PauseSession(c *gin.Context) {
	if err := h.deps.Sessions.Pause(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeSession resumes a paused session.
// POST /api/v1/sessions/:id/resume
func (h *Handler) ResumeSession(c *gin.Context) {
	if err := h.deps.Sessions.Resume(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

// SessionMessages returns a session's message log.
// GET /api/v1/sessions/:id/messages
func (h *Handler) SessionMessages(c *gin.Context) {
	msgs, err := h.deps.Sessions.Messages(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
}

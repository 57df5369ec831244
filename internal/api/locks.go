package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LockRequest identifies the client asking for a session's input lease.
type LockRequest struct {
	ClientID string `json:"clientId" binding:"required"`
}

// LockState returns the observable input lock of a session.
// GET /api/v1/sessions/:id/lock
func (h *Handler) LockState(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Locks.State(c.Param("id")))
}

// AcquireLock takes the input lease for the client if it is free or held
// by the same client.
// POST /api/v1/sessions/:id/lock/acquire
func (h *Handler) AcquireLock(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	acquired, state := h.deps.Locks.Acquire(c.Param("id"), req.ClientID)
	status := http.StatusOK
	if !acquired {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"acquired": acquired, "state": state})
}

// HeartbeatLock extends the holder's lease.
// POST /api/v1/sessions/:id/lock/heartbeat
func (h *Handler) HeartbeatLock(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !h.deps.Locks.Heartbeat(c.Param("id"), req.ClientID) {
		c.JSON(http.StatusConflict, gin.H{"error": "lock not held by client"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"extended": true})
}

// ReleaseLock gives the lease back. Only the holder may release.
// POST /api/v1/sessions/:id/lock/release
func (h *Handler) ReleaseLock(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !h.deps.Locks.Release(c.Param("id"), req.ClientID) {
		c.JSON(http.StatusConflict, gin.H{"error": "lock not held by client"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// TypingRequest toggles the typing indicator on a held lease.
type TypingRequest struct {
	ClientID string `json:"clientId" binding:"required"`
	Typing   bool   `json:"typing"`
}

// SetTyping flips the typing flag for the lock holder.
// POST /api/v1/sessions/:id/lock/typing
func (h *Handler) SetTyping(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !h.deps.Locks.SetTyping(c.Param("id"), req.ClientID, req.Typing) {
		c.JSON(http.StatusConflict, gin.H{"error": "lock not held by client"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"typing": req.Typing})
}

// ForceReleaseLocks drops every lease a client holds, typically on
// disconnect.
// POST /api/v1/locks/force-release
func (h *Handler) ForceReleaseLocks(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": h.deps.Locks.ForceRelease(req.ClientID)})
}

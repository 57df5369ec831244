package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fingerdev/finger/internal/runtime"
)

// AgentCatalog lists known agents at the requested detail layer.
// GET /api/v1/agents/catalog?layer=
func (h *Handler) AgentCatalog(c *gin.Context) {
	entries := h.deps.Runtime.Catalog(c.Query("layer"))
	c.JSON(http.StatusOK, gin.H{"agents": entries, "total": len(entries)})
}

// AgentTemplates lists the built-in startup templates.
// GET /api/v1/agents/templates
func (h *Handler) AgentTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": h.deps.Runtime.ListStartupTemplates()})
}

// DeployAgent creates or replaces an agent's instance pool.
// POST /api/v1/agents/deploy
func (h *Handler) DeployAgent(c *gin.Context) {
	var req runtime.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	instances, err := h.deps.Runtime.Deploy(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"instances": instances})
}

// DispatchAgent routes a task to a deployed agent.
// POST /api/v1/agents/dispatch
func (h *Handler) DispatchAgent(c *gin.Context) {
	var req runtime.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	result, err := h.deps.Runtime.Dispatch(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RuntimeView reports per-agent running/queued counts and instances.
// GET /api/v1/agents/runtime?workflowId=
func (h *Handler) RuntimeView(c *gin.Context) {
	views := h.deps.Runtime.View(c.Query("workflowId"))
	c.JSON(http.StatusOK, gin.H{"agents": views})
}

// ControlAgent delegates a control action to the runtime.
// POST /api/v1/agents/control
func (h *Handler) ControlAgent(c *gin.Context) {
	var req runtime.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	result, err := h.deps.Runtime.Control(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

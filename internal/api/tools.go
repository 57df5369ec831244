package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fingerdev/finger/internal/tools"
)

// ListTools returns every registered tool with its policy and whether it
// requires authorization.
// GET /api/v1/tools
func (h *Handler) ListTools(c *gin.Context) {
	defs := h.deps.Tools.Registry().List()
	out := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		out = append(out, gin.H{
			"name":                  def.Name,
			"description":           def.Description,
			"policy":                def.Policy,
			"authorizationRequired": h.deps.Tools.Authz().IsRequired(def.Name),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": out, "total": len(out)})
}

// ExecuteToolRequest is the body of POST /api/v1/tools/execute.
type ExecuteToolRequest struct {
	AgentID            string                 `json:"agentId" binding:"required"`
	ToolName           string                 `json:"toolName" binding:"required"`
	Input              map[string]interface{} `json:"input,omitempty"`
	AuthorizationToken string                 `json:"authorizationToken,omitempty"`
}

// ExecuteTool runs a tool through the full access and authorization chain.
// POST /api/v1/tools/execute
func (h *Handler) ExecuteTool(c *gin.Context) {
	var req ExecuteToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	result, err := h.deps.Tools.Execute(c.Request.Context(), tools.ExecuteRequest{
		AgentID:            req.AgentID,
		ToolName:           req.ToolName,
		Input:              req.Input,
		AuthorizationToken: req.AuthorizationToken,
	})
	if err != nil {
		c.JSON(httpStatus(err), gin.H{
			"error":       err.Error(),
			"userMessage": tools.Humanize(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// PolicyRequest sets a tool's allow/deny policy.
type PolicyRequest struct {
	Policy string `json:"policy" binding:"required"`
}

// SetToolPolicy updates one tool's policy.
// PUT /api/v1/tools/:name/policy
func (h *Handler) SetToolPolicy(c *gin.Context) {
	var req PolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.deps.Tools.Registry().SetPolicy(c.Param("name"), tools.Policy(req.Policy)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "policy": req.Policy})
}

// AuthorizationRequest toggles whether a tool needs a grant.
type AuthorizationRequest struct {
	Required bool `json:"required"`
}

// SetToolAuthorization marks a tool as requiring (or not requiring) grants.
// PUT /api/v1/tools/:name/authorization
func (h *Handler) SetToolAuthorization(c *gin.Context) {
	var req AuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	h.deps.Tools.Authz().SetToolRequired(c.Param("name"), req.Required)
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "required": req.Required})
}

// IssueGrantRequest asks for a one-shot (or bounded) authorization grant.
type IssueGrantRequest struct {
	AgentID   string `json:"agentId" binding:"required"`
	ToolName  string `json:"toolName" binding:"required"`
	IssuedBy  string `json:"issuedBy,omitempty"`
	TTLMs     int64  `json:"ttlMs,omitempty"`
	MaxUses   int    `json:"maxUses,omitempty"`
}

// IssueGrant issues an authorization grant.
// POST /api/v1/tools/authorizations
func (h *Handler) IssueGrant(c *gin.Context) {
	var req IssueGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	issuedBy := req.IssuedBy
	if issuedBy == "" {
		issuedBy = "api"
	}
	grant := h.deps.Tools.Authz().Issue(req.AgentID, req.ToolName, issuedBy, tools.IssueOptions{
		TTL:     time.Duration(req.TTLMs) * time.Millisecond,
		MaxUses: req.MaxUses,
	})
	c.JSON(http.StatusCreated, grant)
}

// RevokeGrant invalidates a grant token.
// DELETE /api/v1/tools/authorizations/:token
func (h *Handler) RevokeGrant(c *gin.Context) {
	h.deps.Tools.Authz().Revoke(c.Param("token"))
	c.JSON(http.StatusOK, gin.H{"revoked": c.Param("token")})
}

// GetAgentToolPolicy returns an agent's whitelist and blacklist.
// GET /api/v1/tools/agents/:id/policy
func (h *Handler) GetAgentToolPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Tools.Access().Policy(c.Param("id")))
}

// AgentPolicyRequest replaces an agent's whitelist.
type AgentPolicyRequest struct {
	Whitelist []string `json:"whitelist"`
}

// SetAgentToolPolicy replaces an agent's whitelist.
// PUT /api/v1/tools/agents/:id/policy
func (h *Handler) SetAgentToolPolicy(c *gin.Context) {
	var req AgentPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	h.deps.Tools.Access().SetWhitelist(c.Param("id"), req.Whitelist)
	c.JSON(http.StatusOK, h.deps.Tools.Access().Policy(c.Param("id")))
}

// ToolNameRequest names one tool.
type ToolNameRequest struct {
	ToolName string `json:"toolName" binding:"required"`
}

func (h *Handler) agentToolOp(c *gin.Context, op func(agentID, toolName string)) {
	var req ToolNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	op(c.Param("id"), req.ToolName)
	c.JSON(http.StatusOK, h.deps.Tools.Access().Policy(c.Param("id")))
}

// GrantTool whitelists one tool for an agent.
// POST /api/v1/tools/agents/:id/grant
func (h *Handler) GrantTool(c *gin.Context) {
	h.agentToolOp(c, h.deps.Tools.Access().Grant)
}

// RevokeTool removes one tool from an agent's whitelist.
// POST /api/v1/tools/agents/:id/revoke
func (h *Handler) RevokeTool(c *gin.Context) {
	h.agentToolOp(c, h.deps.Tools.Access().Revoke)
}

// DenyTool blacklists one tool for an agent.
// POST /api/v1/tools/agents/:id/deny
func (h *Handler) DenyTool(c *gin.Context) {
	h.agentToolOp(c, h.deps.Tools.Access().Deny)
}

// AllowTool clears a blacklist entry and whitelists the tool.
// POST /api/v1/tools/agents/:id/allow
func (h *Handler) AllowTool(c *gin.Context) {
	h.agentToolOp(c, h.deps.Tools.Access().Allow)
}

// RolePolicyRequest applies (and optionally defines) a named role policy.
type RolePolicyRequest struct {
	Role      string   `json:"role" binding:"required"`
	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`
}

// ApplyRolePolicy applies a named role policy to an agent. A request that
// carries lists also (re)defines the role; a bare role name applies the
// stored definition.
// POST /api/v1/tools/agents/:id/role-policy
func (h *Handler) ApplyRolePolicy(c *gin.Context) {
	var req RolePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	h.rolePoliciesMu.Lock()
	if len(req.Whitelist) > 0 || len(req.Blacklist) > 0 {
		h.rolePolicies[req.Role] = req
	}
	policy, ok := h.rolePolicies[req.Role]
	h.rolePoliciesMu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown role: " + req.Role})
		return
	}

	agentID := c.Param("id")
	access := h.deps.Tools.Access()
	access.SetWhitelist(agentID, policy.Whitelist)
	for _, tool := range policy.Blacklist {
		access.Deny(agentID, tool)
	}
	c.JSON(http.StatusOK, access.Policy(agentID))
}

package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/hub"
)

// Handler holds the HTTP handlers for the control plane.
type Handler struct {
	deps   Deps
	logger *logger.Logger

	// Results of async message sends, keyed by callback id.
	asyncResults sync.Map

	// Named role policies defined through the role-policy endpoint.
	rolePoliciesMu sync.Mutex
	rolePolicies   map[string]RolePolicyRequest
}

type asyncResult struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	DoneAt int64       `json:"doneAtMs"`
}

// NewHandler creates the control-plane handler set.
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	return &Handler{
		deps:         deps,
		rolePolicies: make(map[string]RolePolicyRequest),
		logger:       log.WithFields(zap.String("component", "api")),
	}
}

// SetupRoutes registers every endpoint on the engine.
func (h *Handler) SetupRoutes(engine *gin.Engine) {
	engine.GET("/health", h.Health)
	if h.deps.Stream != nil {
		engine.GET("/ws", h.deps.Stream.HandleConnection)
	}

	v1 := engine.Group("/api/v1")

	events := v1.Group("/events")
	{
		events.GET("/types", h.EventTypes)
		events.GET("/groups", h.EventGroups)
		events.GET("/history", h.EventHistory)
	}

	sessions := v1.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/current", h.CurrentSession)
		sessions.POST("/current", h.SetCurrentSession)
		sessions.GET("/:id", h.GetSession)
		sessions.DELETE("/:id", h.DeleteSession)
		sessions.POST("/:id/pause", h.PauseSession)
		sessions.POST("/:id/resume", h.ResumeSession)
		sessions.GET("/:id/messages", h.SessionMessages)
		if h.deps.Locks != nil {
			sessions.GET("/:id/lock", h.LockState)
			sessions.POST("/:id/lock/acquire", h.AcquireLock)
			sessions.POST("/:id/lock/heartbeat", h.HeartbeatLock)
			sessions.POST("/:id/lock/release", h.ReleaseLock)
			sessions.POST("/:id/lock/typing", h.SetTyping)
		}
	}
	if h.deps.Locks != nil {
		v1.POST("/locks/force-release", h.ForceReleaseLocks)
	}

	v1.POST("/message", h.PostMessage)

	workflows := v1.Group("/workflows")
	{
		workflows.GET("", h.ListWorkflows)
		workflows.GET("/:id", h.GetWorkflow)
		workflows.GET("/:id/state", h.WorkflowState)
	}
	workflowOps := v1.Group("/workflow")
	{
		workflowOps.POST("/pause", h.PauseWorkflow)
		workflowOps.POST("/resume", h.ResumeWorkflow)
		workflowOps.POST("/input", h.WorkflowInput)
	}

	tools := v1.Group("/tools")
	{
		tools.GET("", h.ListTools)
		tools.POST("/execute", h.ExecuteTool)
		tools.PUT("/:name/policy", h.SetToolPolicy)
		tools.PUT("/:name/authorization", h.SetToolAuthorization)
		tools.POST("/authorizations", h.IssueGrant)
		tools.DELETE("/authorizations/:token", h.RevokeGrant)
		tools.GET("/agents/:id/policy", h.GetAgentToolPolicy)
		tools.PUT("/agents/:id/policy", h.SetAgentToolPolicy)
		tools.POST("/agents/:id/grant", h.GrantTool)
		tools.POST("/agents/:id/revoke", h.RevokeTool)
		tools.POST("/agents/:id/deny", h.DenyTool)
		tools.POST("/agents/:id/allow", h.AllowTool)
		tools.POST("/agents/:id/role-policy", h.ApplyRolePolicy)
	}

	v1.POST("/module/register", h.RegisterModule)

	mailbox := v1.Group("/mailbox")
	{
		mailbox.GET("", h.Mailbox)
		mailbox.GET("/:id", h.MailboxMessage)
		mailbox.GET("/callback/:cid", h.MailboxCallback)
		mailbox.POST("/clear", h.ClearMailbox)
	}

	sessionOps := v1.Group("/session")
	{
		sessionOps.POST("/checkpoint", h.CreateCheckpoint)
		sessionOps.GET("/checkpoint/:id", h.GetCheckpoint)
		sessionOps.GET("/:id/checkpoint/latest", h.LatestCheckpoint)
		sessionOps.POST("/resume", h.ResumeFromCheckpoint)
	}

	agents := v1.Group("/agents")
	{
		agents.GET("/catalog", h.AgentCatalog)
		agents.GET("/templates", h.AgentTemplates)
		agents.POST("/deploy", h.DeployAgent)
		agents.POST("/dispatch", h.DispatchAgent)
		agents.GET("/runtime", h.RuntimeView)
		agents.POST("/control", h.ControlAgent)
	}
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// MessageRequest is the body of POST /api/v1/message.
type MessageRequest struct {
	Target   string                 `json:"target" binding:"required"`
	Blocking bool                   `json:"blocking"`
	Message  map[string]interface{} `json:"message"`
}

// PostMessage injects a message into the hub, targeted or pattern-routed.
// POST /api/v1/message
func (h *Handler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	sessionID, _ := req.Message["sessionId"].(string)
	msg := &hub.Message{
		ID:        uuid.New().String(),
		Type:      "user_message",
		Target:    req.Target,
		Source:    "api",
		SessionID: sessionID,
		Blocking:  req.Blocking,
		Payload:   req.Message,
	}

	if req.Blocking {
		result, err := h.sendToHub(c.Request.Context(), msg)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{
				"messageId": msg.ID,
				"status":    "failed",
				"error":     err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"messageId": msg.ID,
			"status":    "completed",
			"result":    result,
		})
		return
	}

	cid := "cb-" + uuid.New().String()
	h.deps.Hub.RegisterCallback(cid, func(result interface{}, err error) {
		record := asyncResult{Result: result, DoneAt: time.Now().UnixMilli()}
		if err != nil {
			record.Error = err.Error()
		}
		h.asyncResults.Store(cid, record)
	})
	go func() {
		result, err := h.sendToHub(context.Background(), msg)
		h.deps.Hub.ResolveCallback(cid, result, err)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"messageId":  msg.ID,
		"status":     "accepted",
		"callbackId": cid,
	})
}

func (h *Handler) sendToHub(ctx context.Context, msg *hub.Message) (interface{}, error) {
	if msg.Target != "" && h.deps.Hub.HasEndpoint(msg.Target) {
		return h.deps.Hub.SendToModule(ctx, msg.Target, msg, nil)
	}
	return h.deps.Hub.Send(ctx, msg, nil)
}

// RegisterModuleRequest names a module manifest on disk.
type RegisterModuleRequest struct {
	FilePath string `json:"filePath" binding:"required"`
}

// RegisterModule loads modules from a manifest file.
// POST /api/v1/module/register
func (h *Handler) RegisterModule(c *gin.Context) {
	var req RegisterModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ids, err := h.deps.Modules.LoadFromFile(c.Request.Context(), req.FilePath)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": ids})
}

// Mailbox lists messages waiting in the hub queue.
// GET /api/v1/mailbox
func (h *Handler) Mailbox(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"messages":  h.deps.Hub.QueuedMessages(),
		"callbacks": h.deps.Hub.PendingCallbackIDs(),
	})
}

// MailboxMessage fetches one queued message by id.
// GET /api/v1/mailbox/:id
func (h *Handler) MailboxMessage(c *gin.Context) {
	msg, ok := h.deps.Hub.QueuedMessage(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not queued"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// MailboxCallback reports the state of an async send.
// GET /api/v1/mailbox/callback/:cid
func (h *Handler) MailboxCallback(c *gin.Context) {
	cid := c.Param("cid")
	if record, ok := h.lookupAsyncResult(cid); ok {
		status := "completed"
		if record.Error != "" {
			status = "failed"
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "result": record.Result, "error": record.Error})
		return
	}
	for _, pending := range h.deps.Hub.PendingCallbackIDs() {
		if pending == cid {
			c.JSON(http.StatusOK, gin.H{"status": "pending"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown callback"})
}

func (h *Handler) lookupAsyncResult(key string) (asyncResult, bool) {
	value, ok := h.asyncResults.Load(key)
	if !ok {
		return asyncResult{}, false
	}
	return value.(asyncResult), true
}

// ClearMailbox drops all queued messages.
// POST /api/v1/mailbox/clear
func (h *Handler) ClearMailbox(c *gin.Context) {
	cleared := h.deps.Hub.ClearQueue()
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

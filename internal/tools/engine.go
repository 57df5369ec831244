package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// ExecuteRequest is one tool invocation on behalf of an agent.
type ExecuteRequest struct {
	AgentID            string                 `json:"agentId"`
	ToolName           string                 `json:"toolName"`
	Input              map[string]interface{} `json:"input,omitempty"`
	AuthorizationToken string                 `json:"authorizationToken,omitempty"`
}

// Engine is the execution entry point: per-agent access policy, then
// authorization grants, then the registry's own policy and handler. Every
// attempt is audited on the event bus.
type Engine struct {
	registry *Registry
	access   *AccessControl
	authz    *AuthzManager
	events   bus.EventBus
	logger   *logger.Logger
}

// NewEngine wires the enforcement chain. events may be nil.
func NewEngine(registry *Registry, access *AccessControl, authz *AuthzManager, events bus.EventBus, log *logger.Logger) *Engine {
	return &Engine{
		registry: registry,
		access:   access,
		authz:    authz,
		events:   events,
		logger:   log.WithFields(zap.String("component", "tool_engine")),
	}
}

// Registry exposes the underlying tool registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Access exposes the per-agent policy table.
func (e *Engine) Access() *AccessControl { return e.access }

// Authz exposes the grant manager.
func (e *Engine) Authz() *AuthzManager { return e.authz }

// Execute enforces policy and runs the tool.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (interface{}, error) {
	decision := e.access.CanUse(req.AgentID, req.ToolName)
	if !decision.Allowed {
		err := fmt.Errorf("%w: %s", ErrToolDenied, decision.Reason)
		e.audit(ctx, req, false, err)
		return nil, err
	}

	if e.authz.IsRequired(req.ToolName) {
		if req.AuthorizationToken == "" {
			err := fmt.Errorf("%w: tool %s", ErrAuthorizationRequired, req.ToolName)
			e.audit(ctx, req, false, err)
			return nil, err
		}
		if err := e.authz.VerifyAndConsume(req.AuthorizationToken, req.AgentID, req.ToolName); err != nil {
			e.audit(ctx, req, false, err)
			return nil, err
		}
	}

	out, err := e.registry.Execute(ctx, req.ToolName, req.Input)
	e.audit(ctx, req, err == nil, err)
	if err != nil {
		e.logger.Warn("tool execution failed",
			zap.String("agent_id", req.AgentID),
			zap.String("tool", req.ToolName),
			zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (e *Engine) audit(ctx context.Context, req ExecuteRequest, success bool, cause error) {
	if e.events == nil {
		return
	}
	payload := map[string]interface{}{
		"agentId":  req.AgentID,
		"toolName": req.ToolName,
		"success":  success,
	}
	if cause != nil {
		payload["error"] = cause.Error()
		payload["userMessage"] = Humanize(cause)
	}
	e.events.Emit(ctx, bus.New("tool_execution", bus.GroupTool, payload).WithAgent(req.AgentID))
}

// Humanize maps a tool failure to the user-facing message.
func Humanize(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, os.ErrNotExist) || errors.Is(err, exec.ErrNotFound):
		return "未找到可执行命令"
	case errors.Is(err, os.ErrPermission):
		return "权限不足"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return "执行超时"
	default:
		return "工具执行失败：" + err.Error()
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
	"github.com/fingerdev/finger/internal/hub"
	"github.com/fingerdev/finger/internal/ledger"
	"github.com/fingerdev/finger/internal/module"
	"github.com/fingerdev/finger/internal/runtime"
	"github.com/fingerdev/finger/internal/session"
	"github.com/fingerdev/finger/internal/tools"
	"github.com/fingerdev/finger/internal/workflow"
)

type testEnv struct {
	engine    *gin.Engine
	hub       *hub.Hub
	modules   *module.Registry
	events    *bus.MemoryEventBus
	sessions  *session.Manager
	workflows *workflow.Manager
	tools     *tools.Engine
	runtime   *runtime.Runtime
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	h := hub.New(0, nil, log)
	modules := module.NewRegistry(h, log)
	events := bus.NewMemoryEventBus(200, log)
	t.Cleanup(events.Close)
	sessions := session.NewManager(t.TempDir(), events, log)
	workflows := workflow.NewManager(t.TempDir(), events, log)
	engine := tools.NewEngine(tools.NewRegistry(events, log), tools.NewAccessControl(), tools.NewAuthzManager(log), events, log)
	rt := runtime.New(t.TempDir(), h, modules, sessions, events, log)
	locks := session.NewLockManager(0, events, log)
	t.Cleanup(locks.Close)

	router := gin.New()
	handler := NewHandler(Deps{
		Hub:       h,
		Modules:   modules,
		Events:    events,
		Sessions:  sessions,
		Locks:     locks,
		Workflows: workflows,
		Tools:     engine,
		Runtime:   rt,
	}, log)
	handler.SetupRoutes(router)

	return &testEnv{
		engine:    router,
		hub:       h,
		modules:   modules,
		events:    events,
		sessions:  sessions,
		workflows: workflows,
		tools:     engine,
		runtime:   rt,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/api/v1/sessions", gin.H{"name": "main"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)
	id := created["id"].(string)

	rec = env.request(t, http.MethodGet, "/api/v1/sessions/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode(t, rec)["id"])

	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/sessions/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := env.sessions.AppendMessage(id, "user", "dispatch", "do the thing")
	require.NoError(t, err)
	rec = env.request(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = env.request(t, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlockingMessageRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.modules.Register(context.Background(), &module.Module{
		ID:   "echo",
		Kind: module.KindOutput,
		Name: "echo",
		Handler: func(ctx context.Context, msg *hub.Message) (interface{}, error) {
			return msg.Payload["text"], nil
		},
	}))

	rec := env.request(t, http.MethodPost, "/api/v1/message", gin.H{
		"target":   "echo",
		"blocking": true,
		"message":  gin.H{"text": "ping"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "ping", body["result"])
	assert.NotEmpty(t, body["messageId"])
}

func TestAsyncMessageAccepted(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodPost, "/api/v1/message", gin.H{
		"target":   "nobody",
		"blocking": false,
		"message":  gin.H{"text": "fire and forget"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "accepted", body["status"])
	assert.NotEmpty(t, body["callbackId"])
}

func TestEventEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.events.Emit(context.Background(), bus.New("task_status_changed", bus.GroupTask, nil))
	env.events.Emit(context.Background(), bus.New("session_created", bus.GroupSession, nil))

	rec := env.request(t, http.MethodGet, "/api/v1/events/types", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	types := decode(t, rec)["types"].([]interface{})
	assert.Contains(t, types, "task_status_changed")

	rec = env.request(t, http.MethodGet, "/api/v1/events/groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["groups"], len(bus.Groups))

	rec = env.request(t, http.MethodGet, "/api/v1/events/history?group=TASK", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = env.request(t, http.MethodGet, "/api/v1/events/history?group=NOPE", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolEndpoints(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.tools.Registry().Register(&tools.Definition{
		Name: "fs_read",
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return "contents", nil
		},
	}))

	// Not whitelisted yet.
	rec := env.request(t, http.MethodPost, "/api/v1/tools/execute", gin.H{
		"agentId": "agent-1", "toolName": "fs_read",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/tools/agents/agent-1/grant", gin.H{"toolName": "fs_read"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/tools/execute", gin.H{
		"agentId": "agent-1", "toolName": "fs_read",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "contents", decode(t, rec)["result"])

	// Require authorization, then run the grant flow end to end.
	rec = env.request(t, http.MethodPut, "/api/v1/tools/fs_read/authorization", gin.H{"required": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/tools/execute", gin.H{
		"agentId": "agent-1", "toolName": "fs_read",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/tools/authorizations", gin.H{
		"agentId": "agent-1", "toolName": "fs_read",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decode(t, rec)["token"].(string)

	rec = env.request(t, http.MethodPost, "/api/v1/tools/execute", gin.H{
		"agentId": "agent-1", "toolName": "fs_read", "authorizationToken": token,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// One-shot: the same token no longer works.
	rec = env.request(t, http.MethodPost, "/api/v1/tools/execute", gin.H{
		"agentId": "agent-1", "toolName": "fs_read", "authorizationToken": token,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.request(t, http.MethodPut, "/api/v1/tools/fs_read/policy", gin.H{"policy": "deny"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode(t, rec)["tools"].([]interface{})
	require.Len(t, listed, 1)
	assert.Equal(t, "deny", listed[0].(map[string]interface{})["policy"])
}

func TestRolePolicyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/api/v1/tools/agents/a1/role-policy", gin.H{
		"role":      "reviewer",
		"whitelist": []string{"ledger_query"},
		"blacklist": []string{"fs_write"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Applying the stored role to another agent needs no lists.
	rec = env.request(t, http.MethodPost, "/api/v1/tools/agents/a2/role-policy", gin.H{"role": "reviewer"})
	require.Equal(t, http.StatusOK, rec.Code)
	policy := decode(t, rec)
	assert.Equal(t, []interface{}{"ledger_query"}, policy["whitelist"])

	rec = env.request(t, http.MethodPost, "/api/v1/tools/agents/a3/role-policy", gin.H{"role": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowEndpoints(t *testing.T) {
	env := newTestEnv(t)
	wf := env.workflows.CreateWorkflow(context.Background(), "wf-1", "sess-1", "", "ship it")
	require.NoError(t, env.workflows.AddTask(wf.ID, &workflow.TaskNode{ID: "t1", Description: "build"}))

	rec := env.request(t, http.MethodGet, "/api/v1/workflows/wf-1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode(t, rec)
	assert.EqualValues(t, 1, state["taskCount"])
	assert.Equal(t, []interface{}{"t1"}, state["readyTasks"])

	rec = env.request(t, http.MethodPost, "/api/v1/workflow/pause", gin.H{"workflowId": "wf-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/workflow/resume", gin.H{"workflowId": "wf-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/workflow/input", gin.H{
		"workflowId": "wf-1", "input": gin.H{"answer": "yes"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.events.History(bus.HistoryFilter{Type: "workflow_input"}, 0), 1)

	rec = env.request(t, http.MethodGet, "/api/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointEndpoints(t *testing.T) {
	env := newTestEnv(t)
	wf := env.workflows.CreateWorkflow(context.Background(), "wf-1", "sess-1", "", "ship it")
	require.NoError(t, env.workflows.AddTask(wf.ID, &workflow.TaskNode{ID: "t1"}))

	rec := env.request(t, http.MethodPost, "/api/v1/session/checkpoint", gin.H{"workflowId": "wf-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	ckID := decode(t, rec)["checkpointId"].(string)

	rec = env.request(t, http.MethodGet, "/api/v1/session/checkpoint/"+ckID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/v1/session/sess-1/checkpoint/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/session/resume", gin.H{"sessionId": "sess-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.NotNil(t, body["checkpoint"])
	assert.NotNil(t, body["resumeContext"])

	rec = env.request(t, http.MethodPost, "/api/v1/session/resume", gin.H{"sessionId": "sess-unknown"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentEndpoints(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.modules.Register(context.Background(), &module.Module{
		ID:   "exec-a",
		Kind: module.KindAgent,
		Name: "exec-a",
		Handler: func(ctx context.Context, msg *hub.Message) (interface{}, error) {
			return "done", nil
		},
	}))

	// Dispatch before deploy maps to 404.
	rec := env.request(t, http.MethodPost, "/api/v1/agents/dispatch", gin.H{
		"sourceAgentId": "orch", "targetAgentId": "exec-a", "task": "x", "blocking": true,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/agents/deploy", gin.H{"agentId": "exec-a"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/agents/dispatch", gin.H{
		"sourceAgentId": "orch", "targetAgentId": "exec-a", "task": "x", "blocking": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])

	rec = env.request(t, http.MethodGet, "/api/v1/agents/runtime", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decode(t, rec)["agents"].([]interface{})
	require.Len(t, agents, 1)

	rec = env.request(t, http.MethodGet, "/api/v1/agents/catalog?layer=execution", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/agents/control", gin.H{
		"action": "status", "target": "exec-a",
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLockEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/api/v1/sessions/sess-1/lock/acquire", gin.H{"clientId": "c1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["acquired"])

	// Another client contends and loses.
	rec = env.request(t, http.MethodPost, "/api/v1/sessions/sess-1/lock/acquire", gin.H{"clientId": "c2"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/sessions/sess-1/lock/heartbeat", gin.H{"clientId": "c1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/sessions/sess-1/lock/typing", gin.H{"clientId": "c1", "typing": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/v1/sessions/sess-1/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode(t, rec)
	assert.Equal(t, "c1", state["lockedBy"])
	assert.Equal(t, true, state["typing"])

	// Only the holder may release.
	rec = env.request(t, http.MethodPost, "/api/v1/sessions/sess-1/lock/release", gin.H{"clientId": "c2"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/locks/force-release", gin.H{"clientId": "c1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"sess-1"}, decode(t, rec)["released"])
}

func TestLedgerToolsOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	svc := ledger.NewService(t.TempDir(), 0, 0, logger.Default())
	require.NoError(t, svc.RegisterTools(env.tools.Registry()))
	env.tools.Access().SetWhitelist("agent-1", []string{"ledger_insert", "ledger_query"})

	_, err := svc.Append("sess-1", "agent-1", "", "observation", map[string]interface{}{
		"text": "refactor landed cleanly",
	})
	require.NoError(t, err)

	rec := env.request(t, http.MethodPost, "/api/v1/tools/execute", gin.H{
		"agentId":  "agent-1",
		"toolName": "ledger_insert",
		"input": gin.H{
			"session_id": "sess-1", "agent_id": "agent-1", "text": "current focus: reviews",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/tools/execute", gin.H{
		"agentId":  "agent-1",
		"toolName": "ledger_query",
		"input": gin.H{
			"session_id": "sess-1", "agent_id": "agent-1", "contains": "refactor",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode(t, rec)["result"].(map[string]interface{})
	assert.EqualValues(t, 1, result["total"])
}

func TestMailboxEndpoints(t *testing.T) {
	env := newTestEnv(t)

	// No route matches, so the message lands in the queue.
	_, err := env.hub.Send(context.Background(), &hub.Message{ID: "m1", Type: "orphan"}, nil)
	require.NoError(t, err)

	rec := env.request(t, http.MethodGet, "/api/v1/mailbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode(t, rec)["messages"].([]interface{})
	require.Len(t, msgs, 1)

	rec = env.request(t, http.MethodGet, "/api/v1/mailbox/m1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/mailbox/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["cleared"])

	rec = env.request(t, http.MethodGet, "/api/v1/mailbox/m1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/v1/mailbox/callback/cb-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

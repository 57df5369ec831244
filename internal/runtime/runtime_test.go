package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
	"github.com/fingerdev/finger/internal/hub"
	"github.com/fingerdev/finger/internal/module"
	"github.com/fingerdev/finger/internal/session"
	"github.com/fingerdev/finger/internal/tools"
)

func newTestRuntime(t *testing.T) (*Runtime, *hub.Hub, *module.Registry, *bus.MemoryEventBus) {
	t.Helper()
	h := hub.New(0, nil, logger.Default())
	registry := module.NewRegistry(h, logger.Default())
	events := bus.NewMemoryEventBus(200, logger.Default())
	t.Cleanup(events.Close)
	rt := New(t.TempDir(), h, registry, nil, events, logger.Default())
	return rt, h, registry, events
}

func registerAgent(t *testing.T, registry *module.Registry, id string, handler hub.HandlerFunc) {
	t.Helper()
	require.NoError(t, registry.Register(context.Background(), &module.Module{
		ID:      id,
		Kind:    module.KindAgent,
		Name:    id,
		Handler: handler,
	}))
}

func TestParseAgentConfigUnknownKeys(t *testing.T) {
	cfg, err := ParseAgentConfig([]byte(`{"id":"a1","bogusTopLevel":true,"role":"executor"}`))
	require.NoError(t, err, "unknown top-level keys are ignored")
	assert.Equal(t, "executor", cfg.Role)

	_, err = ParseAgentConfig([]byte(`{"id":"a1","session":{"bindingScope":"finger","wat":1}}`))
	assert.Error(t, err, "unknown session keys are rejected")

	_, err = ParseAgentConfig([]byte(`{"id":"a1","governance":{"iflow":{"surprise":true}}}`))
	assert.Error(t, err, "unknown governance keys are rejected")

	_, err = ParseAgentConfig([]byte(`{"id":"a1","governance":{"iflow":{"approvalMode":"chaotic"}}}`))
	assert.Error(t, err)

	_, err = ParseAgentConfig([]byte(`{"id":"a1","session":{"bindingScope":"galaxy"}}`))
	assert.Error(t, err)

	_, err = ParseAgentConfig([]byte(`{"name":"no id"}`))
	assert.Error(t, err)
}

func TestLoadAgentConfigsSorted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zeta.agent.json"), []byte(`{"id":"zeta"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alpha.agent.json"), []byte(`{"id":"alpha"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("skip"), 0644))

	configs, err := LoadAgentConfigs(dir)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "alpha", configs[0].ID)
	assert.Equal(t, "zeta", configs[1].ID)

	missing, err := LoadAgentConfigs(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestQuotaResolvePrecedence(t *testing.T) {
	project := 3
	p := &QuotaPolicy{
		DefaultQuota:  2,
		ProjectQuota:  &project,
		WorkflowQuota: map[string]int{"wf-1": 5},
	}

	q, src := p.Resolve("wf-1")
	assert.Equal(t, 5, q)
	assert.Equal(t, QuotaSourceWorkflow, src)

	q, src = p.Resolve("wf-other")
	assert.Equal(t, 3, q)
	assert.Equal(t, QuotaSourceProject, src)

	p.ProjectQuota = nil
	q, src = p.Resolve("")
	assert.Equal(t, 2, q)
	assert.Equal(t, QuotaSourceDefault, src)

	var empty QuotaPolicy
	q, src = empty.Resolve("wf-1")
	assert.Equal(t, DefaultQuota, q)
	assert.Equal(t, QuotaSourceDefault, src)
}

func TestDispatchRequiresDeploy(t *testing.T) {
	rt, _, registry, _ := newTestRuntime(t)
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		return "ok", nil
	})

	_, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orchestrator",
		TargetAgentID: "exec-a",
		Task:          "work",
		Blocking:      true,
	})
	assert.ErrorIs(t, err, ErrAgentNotStarted)
}

func TestBlockingDispatchCompletes(t *testing.T) {
	rt, _, registry, events := newTestRuntime(t)
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		return "echo:" + msg.Payload["text"].(string), nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a"})
	require.NoError(t, err)

	result, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orchestrator",
		TargetAgentID: "exec-a",
		Task:          "hello",
		Blocking:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "echo:hello", result.Result)
	assert.Equal(t, PhaseClosed, result.Assignment.Phase)
	assert.Equal(t, ReviewPass, result.Assignment.ReviewDecision)

	for _, eventType := range []string{"dispatch.accepted", "dispatch.started", "dispatch.completed"} {
		assert.Len(t, events.History(bus.HistoryFilter{Type: eventType}, 0), 1, eventType)
	}
}

func TestDispatchChildReviewDecisionRetry(t *testing.T) {
	rt, _, registry, events := newTestRuntime(t)
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		return map[string]interface{}{"reviewDecision": "retry", "reason": "flaky check"}, nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a"})
	require.NoError(t, err)

	result, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orchestrator",
		TargetAgentID: "exec-a",
		Task:          "retryable",
		Blocking:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, ReviewRetry, result.Assignment.ReviewDecision)
	assert.Equal(t, PhaseClosed, result.Assignment.Phase)

	completed := events.History(bus.HistoryFilter{Type: "dispatch.completed"}, 0)
	require.Len(t, completed, 1)
	snapshot := completed[0].Payload["assignment"].(*Assignment)
	assert.Equal(t, PhaseRetry, snapshot.Phase)
	assert.Equal(t, ReviewRetry, snapshot.ReviewDecision)
}

func TestDispatchChildReviewDecisionReject(t *testing.T) {
	rt, _, registry, events := newTestRuntime(t)
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		return map[string]interface{}{"reviewDecision": "reject"}, nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a"})
	require.NoError(t, err)

	result, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orchestrator",
		TargetAgentID: "exec-a",
		Task:          "rejected",
		Blocking:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, ReviewReject, result.Assignment.ReviewDecision)

	completed := events.History(bus.HistoryFilter{Type: "dispatch.completed"}, 0)
	require.Len(t, completed, 1)
	snapshot := completed[0].Payload["assignment"].(*Assignment)
	assert.Equal(t, PhaseFailed, snapshot.Phase)
}

func TestFailedDispatchReportsFailure(t *testing.T) {
	rt, _, registry, events := newTestRuntime(t)
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		return nil, assert.AnError
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a"})
	require.NoError(t, err)

	result, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orchestrator",
		TargetAgentID: "exec-a",
		Task:          "boom",
		Blocking:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, ReviewReject, result.Assignment.ReviewDecision)
	assert.Len(t, events.History(bus.HistoryFilter{Type: "dispatch.failed"}, 0), 1)
}

func TestQuotaOverflowQueuesFIFO(t *testing.T) {
	rt, _, registry, _ := newTestRuntime(t)

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		mu.Lock()
		order = append(order, msg.Payload["text"].(string))
		mu.Unlock()
		<-gate
		return "done", nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a", InstanceCount: 1})
	require.NoError(t, err)

	first, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t1", QueueOnBusy: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, first.Status)

	require.Eventually(t, func() bool {
		view, err := rt.AgentStatus("exec-a", "")
		return err == nil && view.RunningCount == 1
	}, time.Second, 5*time.Millisecond)

	second, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t2", QueueOnBusy: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, second.Status)
	assert.Equal(t, 1, second.QueuePosition)

	third, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t3", QueueOnBusy: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, third.Status)
	assert.Equal(t, 2, third.QueuePosition)

	for i := 0; i < 3; i++ {
		gate <- struct{}{}
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"t1", "t2", "t3"}, order)
	mu.Unlock()
}

func TestQueuedDispatchEntersQueuedPhase(t *testing.T) {
	rt, _, registry, _ := newTestRuntime(t)
	gate := make(chan struct{})
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		<-gate
		return "done", nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a", InstanceCount: 1})
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t1", QueueOnBusy: true,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, err := rt.AgentStatus("exec-a", "")
		return err == nil && view.RunningCount == 1
	}, time.Second, 5*time.Millisecond)

	second, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t2", QueueOnBusy: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, second.Status)
	assert.Equal(t, PhaseQueued, second.Assignment.Phase)
	close(gate)
}

func TestQueueOnBusyFalseStillEnqueues(t *testing.T) {
	rt, _, registry, events := newTestRuntime(t)
	gate := make(chan struct{})
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		<-gate
		return "done", nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a"})
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t1",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, err := rt.AgentStatus("exec-a", "")
		return err == nil && view.RunningCount == 1
	}, time.Second, 5*time.Millisecond)

	second, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t2",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, second.Status)
	assert.Equal(t, 0, second.QueuePosition)

	close(gate)
	require.Eventually(t, func() bool {
		return len(events.History(bus.HistoryFilter{Type: "dispatch.completed"}, 0)) == 2
	}, time.Second, 5*time.Millisecond, "queued dispatch still runs after the slot drains")
}

func TestSelfDispatchDeadlock(t *testing.T) {
	rt, _, registry, _ := newTestRuntime(t)
	gate := make(chan struct{})
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		<-gate
		return "done", nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a", InstanceCount: 1})
	require.NoError(t, err)

	first, err := rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "exec-a", TargetAgentID: "exec-a", Task: "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, first.Status)
	require.Eventually(t, func() bool {
		view, err := rt.AgentStatus("exec-a", "")
		return err == nil && view.RunningCount == 1
	}, time.Second, 5*time.Millisecond)

	_, err = rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "exec-a", TargetAgentID: "exec-a", Task: "t2", Blocking: true,
	})
	assert.ErrorIs(t, err, ErrDispatchDeadlock)

	close(gate)
}

func TestCancelFlushesQueuedDispatches(t *testing.T) {
	rt, _, registry, _ := newTestRuntime(t)
	gate := make(chan struct{})
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		<-gate
		return "done", nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a"})
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t1",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, err := rt.AgentStatus("exec-a", "")
		return err == nil && view.RunningCount == 1
	}, time.Second, 5*time.Millisecond)

	resultCh := make(chan *DispatchResult, 1)
	go func() {
		result, err := rt.Dispatch(context.Background(), DispatchRequest{
			SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t2", Blocking: true,
		})
		require.NoError(t, err)
		resultCh <- result
	}()
	require.Eventually(t, func() bool {
		view, err := rt.AgentStatus("exec-a", "")
		return err == nil && view.QueuedCount == 1
	}, time.Second, 5*time.Millisecond)

	out, err := rt.Control(context.Background(), ControlRequest{Action: ControlCancel, Target: "exec-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(map[string]interface{})["flushed"])

	select {
	case result := <-resultCh:
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Error, "cancelled")
	case <-time.After(time.Second):
		t.Fatal("queued blocking dispatch never resolved after cancel")
	}
	close(gate)
}

func TestDispatchWritesSessionMessage(t *testing.T) {
	h := hub.New(0, nil, logger.Default())
	registry := module.NewRegistry(h, logger.Default())
	sessions := session.NewManager(t.TempDir(), nil, logger.Default())
	rt := New(t.TempDir(), h, registry, sessions, nil, logger.Default())

	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		return "ok", nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a"})
	require.NoError(t, err)

	sess := sessions.Create(context.Background(), "main", nil)
	_, err = rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch",
		TargetAgentID: "exec-a",
		Task:          "summarize the report",
		SessionID:     sess.ID,
		Blocking:      true,
	})
	require.NoError(t, err)

	msgs, err := sessions.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "dispatch", msgs[0].Type)
	assert.Equal(t, "summarize the report", msgs[0].Content)
}

func TestCatalogLayers(t *testing.T) {
	dir := t.TempDir()
	cfg := `{
		"id": "cfg-agent",
		"name": "Config Agent",
		"role": "executor",
		"provider": {"type": "iflow", "model": "m-large"},
		"governance": {"iflow": {"approvalMode": "autoEdit", "allowedTools": ["fs_read"]}}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg-agent.agent.json"), []byte(cfg), 0644))

	h := hub.New(0, nil, logger.Default())
	registry := module.NewRegistry(h, logger.Default())
	rt := New(dir, h, registry, nil, nil, logger.Default())
	require.NoError(t, rt.LoadConfigs())
	registerAgent(t, registry, "native-x", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		return nil, nil
	})
	access := tools.NewAccessControl()
	access.SetWhitelist("cfg-agent", []string{"fs_read", "fs_write"})
	rt.SetAccessControl(access)

	summary := rt.Catalog(LayerSummary)
	byID := make(map[string]CatalogEntry)
	for _, entry := range summary {
		byID[entry.ID] = entry
	}
	require.Contains(t, byID, "cfg-agent")
	require.Contains(t, byID, "native-x")
	require.Contains(t, byID, "planner", "built-in templates appear")
	assert.Nil(t, byID["cfg-agent"].Implementations)
	assert.Nil(t, byID["cfg-agent"].Governance)

	execution := rt.Catalog(LayerExecution)
	for _, entry := range execution {
		if entry.ID == "cfg-agent" {
			assert.Equal(t, []string{"fs_read", "fs_write"}, entry.AllowedTools)
			require.NotEmpty(t, entry.Implementations)
			assert.Equal(t, "iflow", entry.Implementations[0].Provider)
			assert.Nil(t, entry.Governance)
		}
	}

	governance := rt.Catalog(LayerGovernance)
	for _, entry := range governance {
		if entry.ID == "cfg-agent" {
			require.NotNil(t, entry.Governance)
			assert.Equal(t, ApprovalAutoEdit, entry.Governance.Iflow.ApprovalMode)
			assert.Nil(t, entry.Implementations)
		}
	}

	full := rt.Catalog(LayerFull)
	for _, entry := range full {
		if entry.ID == "cfg-agent" {
			assert.NotNil(t, entry.Governance)
			assert.NotEmpty(t, entry.Implementations)
		}
	}

	assert.Len(t, rt.ListStartupTemplates(), 3)
}

func TestViewSynthesizesInstanceStatus(t *testing.T) {
	rt, _, registry, _ := newTestRuntime(t)
	gate := make(chan struct{})
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		<-gate
		return "done", nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{AgentID: "exec-a", InstanceCount: 1})
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t1",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, err := rt.AgentStatus("exec-a", "")
		return err == nil && view.RunningCount == 1
	}, time.Second, 5*time.Millisecond)

	view, err := rt.AgentStatus("exec-a", "")
	require.NoError(t, err)
	require.Len(t, view.Instances, 1)
	assert.Equal(t, InstanceRunning, view.Instances[0].Status)

	close(gate)
	require.Eventually(t, func() bool {
		view, err := rt.AgentStatus("exec-a", "")
		return err == nil && view.RunningCount == 0
	}, time.Second, 5*time.Millisecond)

	// A stored status that lags the owner map must not leak into the view.
	rt.mu.Lock()
	rt.agents["exec-a"].instances[0].Status = InstanceRunning
	rt.mu.Unlock()
	view, err = rt.AgentStatus("exec-a", "")
	require.NoError(t, err)
	assert.Equal(t, InstanceAvailable, view.Instances[0].Status)
}

func TestRuntimeViewQuotaSource(t *testing.T) {
	rt, _, registry, _ := newTestRuntime(t)
	gate := make(chan struct{})
	registerAgent(t, registry, "exec-a", func(ctx context.Context, msg *hub.Message) (interface{}, error) {
		<-gate
		return "done", nil
	})
	_, err := rt.Deploy(context.Background(), DeployRequest{
		AgentID:       "exec-a",
		InstanceCount: 2,
		Quota: &QuotaPolicy{
			DefaultQuota:  2,
			WorkflowQuota: map[string]int{"wf-1": 5},
		},
	})
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "orch", TargetAgentID: "exec-a", Task: "t1",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, err := rt.AgentStatus("exec-a", "")
		return err == nil && view.RunningCount == 1
	}, time.Second, 5*time.Millisecond)

	view, err := rt.AgentStatus("exec-a", "")
	require.NoError(t, err)
	assert.Equal(t, 2, view.EffectiveQuota)
	assert.Equal(t, QuotaSourceDefault, view.QuotaSource)
	assert.Len(t, view.Instances, 2)

	view, err = rt.AgentStatus("exec-a", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 5, view.EffectiveQuota)
	assert.Equal(t, QuotaSourceWorkflow, view.QuotaSource)

	views := rt.View("")
	require.Len(t, views, 1)
	assert.Equal(t, "exec-a", views[0].AgentID)
	close(gate)
}

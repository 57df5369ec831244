package fsm

import (
	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// Workflow states.
const (
	WorkflowIdle              = "idle"
	WorkflowSemantic          = "semantic_understanding"
	WorkflowRoutingDecision   = "routing_decision"
	WorkflowPlanLoop          = "plan_loop"
	WorkflowExecution         = "execution"
	WorkflowReview            = "review"
	WorkflowReplanEvaluation  = "replan_evaluation"
	WorkflowWaitUserDecision  = "wait_user_decision"
	WorkflowPaused            = "paused"
	WorkflowCompleted         = "completed"
	WorkflowFailed            = "failed"
)

// Workflow triggers.
const (
	TriggerTaskReceived          = "task_received"
	TriggerUnderstandingComplete = "understanding_completed"
	TriggerRoutingDecided        = "routing_decided"
	TriggerPlanConfirmed         = "plan_confirmed"
	TriggerTaskCompleted         = "task_completed"
	TriggerReviewPassed          = "review_passed"
	TriggerReviewRejected        = "review_rejected"
	TriggerMajorChangeDetected   = "major_change_detected"
	TriggerReplanDecided         = "replan_decided"
	TriggerUserDecision          = "user_decision"
	TriggerPauseRequested        = "pause_requested"
	TriggerResumeRequested       = "resume_requested"
	TriggerErrorOccurred         = "error_occurred"
)

// routeIs guards on context.routingDecision.route.
func routeIs(values ...string) Guard {
	return func(c Context) bool {
		route := ""
		switch rd := c["routingDecision"].(type) {
		case map[string]interface{}:
			route, _ = rd["route"].(string)
		case Context:
			route, _ = rd["route"].(string)
		}
		for _, v := range values {
			if route == v {
				return true
			}
		}
		return false
	}
}

func workflowTerminal(state string) bool {
	return state == WorkflowCompleted || state == WorkflowFailed
}

func notTerminal(c Context) bool {
	s, _ := c[ContextKeyState].(string)
	return !workflowTerminal(s) && s != WorkflowPaused
}

func allTasksSucceeded(c Context) bool {
	done, _ := c["allTasksSucceeded"].(bool)
	return done
}

// restorePrePause sets the next state to whatever preceded the most recent
// pause. With no pause in history the transition is rejected.
func restorePrePause(c Context, history []HistoryEntry) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].To == WorkflowPaused {
			c[ContextKeyState] = history[i].From
			return
		}
	}
}

func workflowRules() []Rule {
	return []Rule{
		{From: WorkflowIdle, To: WorkflowSemantic, Trigger: TriggerTaskReceived},
		{From: WorkflowSemantic, To: WorkflowRoutingDecision, Trigger: TriggerUnderstandingComplete},

		{From: WorkflowRoutingDecision, To: WorkflowPlanLoop, Trigger: TriggerRoutingDecided, Guard: routeIs("full", "minor_replan")},
		{From: WorkflowRoutingDecision, To: WorkflowExecution, Trigger: TriggerRoutingDecided, Guard: routeIs("continue_execution")},
		{From: WorkflowRoutingDecision, To: WorkflowWaitUserDecision, Trigger: TriggerRoutingDecided, Guard: routeIs("wait_user_decision", "new_task")},

		{From: WorkflowPlanLoop, To: WorkflowExecution, Trigger: TriggerPlanConfirmed},

		{From: WorkflowExecution, To: WorkflowCompleted, Trigger: TriggerTaskCompleted, Guard: allTasksSucceeded},
		{From: WorkflowExecution, To: WorkflowReview, Trigger: TriggerTaskCompleted},
		{From: WorkflowExecution, To: WorkflowReplanEvaluation, Trigger: TriggerMajorChangeDetected},

		{From: WorkflowReview, To: WorkflowExecution, Trigger: TriggerReviewPassed},
		{From: WorkflowReview, To: WorkflowPlanLoop, Trigger: TriggerReviewRejected},

		{From: WorkflowReplanEvaluation, To: WorkflowPlanLoop, Trigger: TriggerReplanDecided},
		{From: WorkflowWaitUserDecision, To: WorkflowRoutingDecision, Trigger: TriggerUserDecision},

		{From: Wildcard, To: WorkflowPaused, Trigger: TriggerPauseRequested, Guard: notTerminal},
		{From: WorkflowPaused, To: Wildcard, Trigger: TriggerResumeRequested, Action: restorePrePause},
		{From: Wildcard, To: WorkflowFailed, Trigger: TriggerErrorOccurred, Guard: func(c Context) bool {
			s, _ := c[ContextKeyState].(string)
			return !workflowTerminal(s) && c["lastError"] != nil
		}},
	}
}

// NewWorkflowMachine builds the per-workflow state machine.
func NewWorkflowMachine(workflowID string, events bus.EventBus, log *logger.Logger) *Machine {
	return NewMachine("workflow", workflowID, WorkflowIdle, workflowRules(), events, log)
}

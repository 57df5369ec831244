package fsm

import (
	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// Task states. blocked and done are sinks.
const (
	TaskCreated            = "created"
	TaskReady              = "ready"
	TaskDispatching        = "dispatching"
	TaskDispatched         = "dispatched"
	TaskDispatchFailed     = "dispatch_failed"
	TaskRunning            = "running"
	TaskExecutionFailed    = "execution_failed"
	TaskExecutionSucceeded = "execution_succeeded"
	TaskReviewing          = "reviewing"
	TaskDone               = "done"
	TaskReworkRequired     = "rework_required"
	TaskBlocked            = "blocked"
)

// Task triggers.
const (
	TriggerDepsSatisfied       = "deps_satisfied"
	TriggerDepsUnmet           = "deps_unmet"
	TriggerOrchestratorDispatch = "orchestrator_dispatch"
	TriggerDispatchAck         = "dispatch_ack"
	TriggerDispatchNack        = "dispatch_nack"
	TriggerDispatchTimeout     = "timeout"
	TriggerNoResource          = "no_resource"
	TriggerExecutionStarted    = "task_execution_started"
	TriggerExecutionSuccess    = "task_execution_result_success"
	TriggerExecutionFailure    = "task_execution_result_failure"
	TriggerReviewRequested     = "review_requested"
	TriggerReviewPass          = "review_pass"
	TriggerReviewReject        = "review_reject"
	TriggerReplanOrRetry       = "replan_or_retry"
)

func taskRules() []Rule {
	return []Rule{
		{From: TaskCreated, To: TaskReady, Trigger: TriggerDepsSatisfied},
		{From: TaskCreated, To: TaskBlocked, Trigger: TriggerDepsUnmet},
		{From: TaskReady, To: TaskDispatching, Trigger: TriggerOrchestratorDispatch},
		{From: TaskDispatching, To: TaskDispatched, Trigger: TriggerDispatchAck},
		{From: TaskDispatching, To: TaskDispatchFailed, Trigger: TriggerDispatchNack},
		{From: TaskDispatching, To: TaskDispatchFailed, Trigger: TriggerDispatchTimeout},
		{From: TaskDispatching, To: TaskDispatchFailed, Trigger: TriggerNoResource},
		{From: TaskDispatched, To: TaskRunning, Trigger: TriggerExecutionStarted},
		{From: TaskRunning, To: TaskExecutionSucceeded, Trigger: TriggerExecutionSuccess},
		{From: TaskRunning, To: TaskExecutionFailed, Trigger: TriggerExecutionFailure},
		{From: TaskExecutionSucceeded, To: TaskReviewing, Trigger: TriggerReviewRequested},
		{From: TaskReviewing, To: TaskDone, Trigger: TriggerReviewPass},
		{From: TaskReviewing, To: TaskReworkRequired, Trigger: TriggerReviewReject},
		{From: TaskReworkRequired, To: TaskReady, Trigger: TriggerReplanOrRetry},
		{From: TaskExecutionFailed, To: TaskReady, Trigger: TriggerReplanOrRetry},
		{From: TaskDispatchFailed, To: TaskReady, Trigger: TriggerReplanOrRetry},
	}
}

// NewTaskMachine builds the per-task state machine.
func NewTaskMachine(taskID string, events bus.EventBus, log *logger.Logger) *Machine {
	return NewMachine("task", taskID, TaskCreated, taskRules(), events, log)
}

// TaskTerminalSuccess reports whether a task status counts as finished
// successfully for dependency resolution.
func TaskTerminalSuccess(status string) bool {
	switch status {
	case TaskDone, TaskExecutionSucceeded, "completed":
		return true
	}
	return false
}

package fsm

import (
	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// Agent states.
const (
	AgentIdle     = "idle"
	AgentReserved = "reserved"
	AgentRunning  = "running"
	AgentError    = "error"
	AgentReleased = "released"
)

// Agent triggers.
const (
	TriggerAgentStepCompleted = "agent_step_completed"
	TriggerRecoverOrReset     = "recover_or_reset"
)

func agentRules() []Rule {
	return []Rule{
		{From: AgentIdle, To: AgentReserved, Trigger: TriggerDispatchAck},
		{From: AgentReserved, To: AgentRunning, Trigger: TriggerExecutionStarted},
		// Step completions keep the agent running; the rule exists so the
		// trigger is recorded in history.
		{From: AgentRunning, To: AgentRunning, Trigger: TriggerAgentStepCompleted},
		{From: AgentRunning, To: AgentReleased, Trigger: TriggerExecutionSuccess},
		{From: AgentRunning, To: AgentError, Trigger: TriggerExecutionFailure},
		{From: AgentError, To: AgentIdle, Trigger: TriggerRecoverOrReset},
		{From: AgentReleased, To: AgentIdle, Trigger: TriggerRecoverOrReset},
	}
}

// NewAgentMachine builds the per-agent-instance state machine.
func NewAgentMachine(agentID string, events bus.EventBus, log *logger.Logger) *Machine {
	return NewMachine("agent", agentID, AgentIdle, agentRules(), events, log)
}

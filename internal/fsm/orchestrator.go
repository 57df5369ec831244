package fsm

import (
	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// Orchestrator states.
const (
	OrchIdle         = "idle"
	OrchResumeProbe  = "resume_probe"
	OrchIntake       = "intake"
	OrchAwaitingUser = "awaiting_user"
	OrchPlanning     = "planning"
	OrchPlanReview   = "plan_review"
	OrchResearch     = "research"
	OrchScheduling   = "scheduling"
	OrchQueued       = "queued"
	OrchDispatching  = "dispatching"
	OrchReviewing    = "reviewing"
	OrchCompleted    = "completed"
	OrchCancelled    = "cancelled"
	OrchFailed       = "failed"
)

// Orchestrator triggers.
const (
	TriggerResumeFound       = "resume_found"
	TriggerNoResume          = "no_resume"
	TriggerIntakeCompleted   = "intake_completed"
	TriggerUserClarified     = "user_clarified"
	TriggerPlanReady         = "plan_ready"
	TriggerPlanApproved      = "plan_approved"
	TriggerPlanFeedback      = "plan_feedback"
	TriggerNeedResearch      = "need_research"
	TriggerResearchResults   = "research_results"
	TriggerScheduleDecided   = "schedule_decided"
	TriggerResourceAvailable = "resource_available"
	TriggerTasksCompleted    = "tasks_completed"
	TriggerReviewAccept      = "review_accept"
	TriggerCancel            = "cancel"
	TriggerFatalError        = "fatal_error"
)

// MaxPlanReviewRounds bounds the plan-review feedback loop.
const MaxPlanReviewRounds = 3

func orchTerminal(state string) bool {
	return state == OrchCompleted || state == OrchCancelled || state == OrchFailed
}

func orchNotTerminal(c Context) bool {
	s, _ := c[ContextKeyState].(string)
	return !orchTerminal(s)
}

func lowConfidence(c Context) bool {
	low, _ := c["lowConfidence"].(bool)
	return low
}

func planRoundsBelowMax(c Context) bool {
	rounds, _ := c["planReviewRounds"].(int)
	return rounds < MaxPlanReviewRounds
}

func bumpPlanRounds(c Context, _ []HistoryEntry) {
	rounds, _ := c["planReviewRounds"].(int)
	c["planReviewRounds"] = rounds + 1
}

func needMoreResults(c Context) bool {
	more, _ := c["needMoreResults"].(bool)
	return more
}

func resourceBusy(c Context) bool {
	busy, _ := c["resourceBusy"].(bool)
	return busy
}

func hasEvidence(c Context) bool {
	evidence, _ := c["evidence"].(bool)
	return evidence
}

// markRejectCommand flags a review claim that arrived without evidence; the
// caller turns it into a reject command toward the reviewer.
func markRejectCommand(c Context, _ []HistoryEntry) {
	c["reviewCommand"] = "reject"
}

func orchestratorRules() []Rule {
	return []Rule{
		// Probe for resumable work before intake.
		{From: OrchIdle, To: OrchResumeProbe, Trigger: TriggerTaskReceived},
		{From: OrchResumeProbe, To: OrchScheduling, Trigger: TriggerResumeFound},
		{From: OrchResumeProbe, To: OrchIntake, Trigger: TriggerNoResume},

		{From: OrchIntake, To: OrchAwaitingUser, Trigger: TriggerIntakeCompleted, Guard: lowConfidence},
		{From: OrchIntake, To: OrchPlanning, Trigger: TriggerIntakeCompleted},
		{From: OrchAwaitingUser, To: OrchIntake, Trigger: TriggerUserClarified},

		{From: OrchPlanning, To: OrchPlanReview, Trigger: TriggerPlanReady},
		{From: OrchPlanning, To: OrchResearch, Trigger: TriggerNeedResearch},
		{From: OrchResearch, To: OrchResearch, Trigger: TriggerResearchResults, Guard: needMoreResults},
		{From: OrchResearch, To: OrchPlanning, Trigger: TriggerResearchResults},

		{From: OrchPlanReview, To: OrchScheduling, Trigger: TriggerPlanApproved},
		// Feedback loops back to planning at most MaxPlanReviewRounds times,
		// then forces progress.
		{From: OrchPlanReview, To: OrchPlanning, Trigger: TriggerPlanFeedback, Guard: planRoundsBelowMax, Action: bumpPlanRounds},
		{From: OrchPlanReview, To: OrchScheduling, Trigger: TriggerPlanFeedback},

		{From: OrchScheduling, To: OrchQueued, Trigger: TriggerScheduleDecided, Guard: resourceBusy},
		{From: OrchScheduling, To: OrchDispatching, Trigger: TriggerScheduleDecided},
		{From: OrchQueued, To: OrchDispatching, Trigger: TriggerResourceAvailable},

		{From: OrchDispatching, To: OrchReviewing, Trigger: TriggerTasksCompleted},
		{From: OrchReviewing, To: OrchCompleted, Trigger: TriggerReviewAccept, Guard: hasEvidence},
		// Acceptance claims without evidence are treated as rejections.
		{From: OrchReviewing, To: OrchDispatching, Trigger: TriggerReviewAccept, Action: markRejectCommand},
		{From: OrchReviewing, To: OrchDispatching, Trigger: TriggerReviewReject},

		{From: Wildcard, To: OrchCancelled, Trigger: TriggerCancel, Guard: orchNotTerminal},
		{From: Wildcard, To: OrchFailed, Trigger: TriggerFatalError, Guard: orchNotTerminal},
	}
}

// NewOrchestratorMachine builds the top-level orchestration state machine.
func NewOrchestratorMachine(id string, events bus.EventBus, log *logger.Logger) *Machine {
	return NewMachine("orchestrator", id, OrchIdle, orchestratorRules(), events, log)
}

// Package errorhandler classifies module failures and schedules
// exponential-backoff retries. Modules that exhaust their retries, or fail
// unrecoverably, are paused until an explicit resume.
package errorhandler

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// Category classifies a failure for retry purposes.
type Category string

const (
	CategoryNetwork           Category = "network"
	CategoryTimeout           Category = "timeout"
	CategoryRateLimit         Category = "rate_limit"
	CategoryResourceExhausted Category = "resource_exhausted"
	CategoryAuthFailed        Category = "auth_failed"
	CategoryInvalidConfig     Category = "invalid_config"
	CategoryModuleCrash       Category = "module_crash"
	CategoryUnknown           Category = "unknown"
)

// Recoverable reports whether failures of this category are retried.
// Unknown categories are conservatively unrecoverable.
func (c Category) Recoverable() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryResourceExhausted:
		return true
	}
	return false
}

// PauseReasonMaxRetries marks a module paused after exhausting retries.
const PauseReasonMaxRetries = "max_retries_exceeded"

// PauseReasonUnrecoverable marks a module paused by an unrecoverable failure.
const PauseReasonUnrecoverable = "unrecoverable_error"

// Action says what the handler decided for a failure.
type Action string

const (
	ActionRetry  Action = "retry"
	ActionPaused Action = "paused"
)

// Decision is the outcome of RecordFailure.
type Decision struct {
	Action Action
	// Delay before the scheduled retry; zero when paused.
	Delay time.Duration
	// Attempt is the retry count after this failure.
	Attempt int
}

// Config holds the backoff parameters.
type Config struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultConfig returns the standard backoff parameters.
func DefaultConfig() Config {
	return Config{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   60 * time.Second,
		MaxRetries: 10,
	}
}

// RetryFunc re-runs the failed operation.
type RetryFunc func(ctx context.Context) error

// OnRetryHook is invoked before each retry attempt.
type OnRetryHook func(moduleID string, category Category, attempt int)

// ModuleState is a snapshot of one module's failure bookkeeping.
type ModuleState struct {
	RetryCount  int
	Paused      bool
	PauseReason string
}

type moduleState struct {
	retryCount  int
	paused      bool
	pauseReason string
	timer       *time.Timer
}

// Handler tracks per-module failure state.
type Handler struct {
	mu      sync.Mutex
	states  map[string]*moduleState
	cfg     Config
	onRetry OnRetryHook
	events  bus.EventBus
	logger  *logger.Logger
	closed  bool
}

// New creates an error handler. events may be nil.
func New(cfg Config, events bus.EventBus, log *logger.Logger) *Handler {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	return &Handler{
		states: make(map[string]*moduleState),
		cfg:    cfg,
		events: events,
		logger: log.WithFields(zap.String("component", "error_handler")),
	}
}

// SetOnRetry installs the hook invoked before each retry attempt.
func (h *Handler) SetOnRetry(hook OnRetryHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRetry = hook
}

// RecordFailure classifies a failure and either schedules a retry or pauses
// the module. retry may be nil when the caller only wants the bookkeeping.
func (h *Handler) RecordFailure(ctx context.Context, moduleID string, category Category, cause error, retry RetryFunc) Decision {
	h.mu.Lock()
	state := h.states[moduleID]
	if state == nil {
		state = &moduleState{}
		h.states[moduleID] = state
	}

	if state.paused {
		h.mu.Unlock()
		return Decision{Action: ActionPaused, Attempt: state.retryCount}
	}

	if !category.Recoverable() {
		state.paused = true
		state.pauseReason = PauseReasonUnrecoverable
		h.mu.Unlock()
		h.logger.Error("unrecoverable failure, pausing module",
			zap.String("module_id", moduleID),
			zap.String("category", string(category)),
			zap.Error(cause))
		h.emitPause(moduleID, category, PauseReasonUnrecoverable)
		return Decision{Action: ActionPaused}
	}

	delay := h.backoff(state.retryCount)
	state.retryCount++
	attempt := state.retryCount

	if attempt > h.cfg.MaxRetries {
		state.paused = true
		state.pauseReason = PauseReasonMaxRetries
		if state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
		h.mu.Unlock()
		h.logger.Error("max retries exceeded, pausing module",
			zap.String("module_id", moduleID),
			zap.String("category", string(category)),
			zap.Int("retries", attempt-1),
			zap.Error(cause))
		h.emitPause(moduleID, category, PauseReasonMaxRetries)
		return Decision{Action: ActionPaused, Attempt: attempt}
	}

	hook := h.onRetry
	if retry != nil {
		state.timer = time.AfterFunc(delay, func() {
			// A timer can fire between Close stopping the rest; skip the
			// retry once the handler is shut down.
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if closed {
				return
			}
			if hook != nil {
				hook(moduleID, category, attempt)
			}
			if err := retry(ctx); err != nil {
				h.logger.Warn("retry attempt failed",
					zap.String("module_id", moduleID),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
		})
	}
	h.mu.Unlock()

	h.logger.Warn("scheduling retry",
		zap.String("module_id", moduleID),
		zap.String("category", string(category)),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
	return Decision{Action: ActionRetry, Delay: delay, Attempt: attempt}
}

// backoff computes min(base * multiplier^retryCount, max).
func (h *Handler) backoff(retryCount int) time.Duration {
	delay := float64(h.cfg.BaseDelay) * math.Pow(h.cfg.Multiplier, float64(retryCount))
	if delay > float64(h.cfg.MaxDelay) {
		return h.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Resume unpauses a module and resets its retry count.
func (h *Handler) Resume(moduleID string) {
	h.mu.Lock()
	state := h.states[moduleID]
	if state == nil {
		state = &moduleState{}
		h.states[moduleID] = state
	}
	state.paused = false
	state.pauseReason = ""
	state.retryCount = 0
	h.mu.Unlock()

	h.logger.Info("module resumed", zap.String("module_id", moduleID))
	if h.events != nil {
		h.events.Emit(context.Background(), bus.New("module_resumed", bus.GroupSystem, map[string]interface{}{
			"moduleId": moduleID,
		}))
	}
}

// State returns a snapshot of the module's failure bookkeeping.
func (h *Handler) State(moduleID string) ModuleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := h.states[moduleID]
	if state == nil {
		return ModuleState{}
	}
	return ModuleState{
		RetryCount:  state.retryCount,
		Paused:      state.paused,
		PauseReason: state.pauseReason,
	}
}

// IsPaused reports whether a module is paused.
func (h *Handler) IsPaused(moduleID string) bool {
	return h.State(moduleID).Paused
}

// ResetRetryCount clears the retry count after a successful call.
func (h *Handler) ResetRetryCount(moduleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state := h.states[moduleID]; state != nil && !state.paused {
		state.retryCount = 0
	}
}

// Close cancels all pending retry timers.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, state := range h.states {
		if state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
	}
}

func (h *Handler) emitPause(moduleID string, category Category, reason string) {
	if h.events == nil {
		return
	}
	h.events.Emit(context.Background(), bus.New("module_paused", bus.GroupSystem, map[string]interface{}{
		"moduleId": moduleID,
		"category": string(category),
		"reason":   reason,
	}))
}

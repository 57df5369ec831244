// Package tools implements the tool registry, per-agent access policy,
// short-lived authorization grants, and the execution engine that enforces
// all three before a handler runs.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
)

// Policy is a tool's global execution policy.
type Policy string

const (
	PolicyAllow Policy = "allow"
	PolicyDeny  Policy = "deny"
)

var (
	// ErrToolNotFound is returned when executing an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolDenied is returned when policy forbids execution.
	ErrToolDenied = errors.New("tool denied")
)

// Handler executes a tool with its validated input.
type Handler func(ctx context.Context, input map[string]interface{}) (interface{}, error)

// Definition describes a registered tool.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Policy      Policy                 `json:"policy"`
	Handler     Handler                `json:"-"`
}

// Registry holds tool definitions keyed by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Definition
	events bus.EventBus
	logger *logger.Logger
}

// NewRegistry creates a tool registry. events may be nil.
func NewRegistry(events bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*Definition),
		events: events,
		logger: log.WithFields(zap.String("component", "tool_registry")),
	}
}

// Register adds a tool. Overwriting an existing name is permitted but logged
// and reported as a telemetry event.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return errors.New("tool definition requires a name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if def.Policy == "" {
		def.Policy = PolicyAllow
	}

	r.mu.Lock()
	_, overwrite := r.tools[def.Name]
	r.tools[def.Name] = def
	r.mu.Unlock()

	if overwrite {
		r.logger.Warn("tool overwritten", zap.String("tool", def.Name))
		if r.events != nil {
			r.events.Emit(context.Background(), bus.New("tool_overwritten", bus.GroupTool, map[string]interface{}{
				"toolName": def.Name,
			}))
		}
	}
	return nil
}

// Execute runs a tool by name. Unknown names fail with ErrToolNotFound,
// deny-policy tools with ErrToolDenied.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	def, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if def.Policy == PolicyDeny {
		return nil, fmt.Errorf("%w: %s", ErrToolDenied, name)
	}
	return def.Handler(ctx, input)
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Size returns the number of registered tools.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SetPolicy changes a single tool's policy.
func (r *Registry) SetPolicy(name string, policy Policy) error {
	if policy != PolicyAllow && policy != PolicyDeny {
		return fmt.Errorf("invalid policy %q", policy)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	def.Policy = policy
	return nil
}

// AllowAll sets every registered tool to allow.
func (r *Registry) AllowAll() {
	r.setAll(PolicyAllow)
}

// DenyAll sets every registered tool to deny.
func (r *Registry) DenyAll() {
	r.setAll(PolicyDeny)
}

func (r *Registry) setAll(policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range r.tools {
		def.Policy = policy
	}
}

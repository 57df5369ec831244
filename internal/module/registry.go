package module

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/hub"
)

// defaultRoutePriority keeps module default routes below explicit routes.
const defaultRoutePriority = -100

var (
	// ErrDuplicateModule is returned when registering an id twice.
	ErrDuplicateModule = errors.New("module id already registered")
	// ErrInvalidKind is returned for kinds outside input/output/agent.
	ErrInvalidKind = errors.New("invalid module kind")
	// ErrNilHandler is returned when a module has no handler.
	ErrNilHandler = errors.New("module handler is required")
)

type registered struct {
	module   *Module
	routeIDs []string
}

// Registry tracks registered modules and wires them to the hub.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*registered
	hub     *hub.Hub
	logger  *logger.Logger
}

// NewRegistry creates a registry bound to a hub.
func NewRegistry(h *hub.Hub, log *logger.Logger) *Registry {
	return &Registry{
		modules: make(map[string]*registered),
		hub:     h,
		logger:  log.WithFields(zap.String("component", "module_registry")),
	}
}

// Register validates the module, exposes it as a hub endpoint, runs its
// Initialize hook, and installs its default routes. Registering a duplicate
// id is an error.
func (r *Registry) Register(ctx context.Context, m *Module) error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidKind)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}
	if m.Handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, m.ID)
	}

	r.mu.Lock()
	if _, exists := r.modules[m.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m.ID)
	}
	reg := &registered{module: m}
	r.modules[m.ID] = reg
	r.mu.Unlock()

	r.hub.RegisterEndpoint(m.ID, m.Kind.Endpoint(), m.Handler)

	if m.Initialize != nil {
		if err := m.Initialize(ctx, r.hub); err != nil {
			r.hub.UnregisterEndpoint(m.ID)
			r.mu.Lock()
			delete(r.modules, m.ID)
			r.mu.Unlock()
			return fmt.Errorf("initialize %s: %w", m.ID, err)
		}
	}

	if m.Kind == KindInput {
		for _, dr := range m.DefaultRoutes {
			routeID := r.hub.AddRoute(&hub.Route{
				Pattern:     hub.Literal(dr.Pattern),
				Handler:     m.Handler,
				Blocking:    dr.Blocking,
				Priority:    defaultRoutePriority,
				Description: dr.Description,
			})
			reg.routeIDs = append(reg.routeIDs, routeID)
		}
		if len(m.DefaultRoutes) > 0 {
			// Messages queued before this module arrived may now route.
			drained := r.hub.ProcessQueue(ctx)
			if drained > 0 {
				r.logger.Info("drained queued messages after module registration",
					zap.String("module_id", m.ID),
					zap.Int("drained", drained))
			}
		}
	}

	r.logger.Info("module registered",
		zap.String("module_id", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.String("name", m.Name),
		zap.String("version", m.Version))
	return nil
}

// Unregister runs the module's Destroy hook and removes its endpoint and
// routes. Unregistering an unknown id is a no-op.
func (r *Registry) Unregister(ctx context.Context, id string) {
	r.mu.Lock()
	reg, ok := r.modules[id]
	if ok {
		delete(r.modules, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if reg.module.Destroy != nil {
		if err := reg.module.Destroy(ctx); err != nil {
			r.logger.Warn("module destroy failed",
				zap.String("module_id", id),
				zap.Error(err))
		}
	}
	for _, routeID := range reg.routeIDs {
		r.hub.RemoveRoute(routeID)
	}
	r.hub.UnregisterEndpoint(id)

	r.logger.Info("module unregistered", zap.String("module_id", id))
}

// Get returns a module by id.
func (r *Registry) Get(id string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.modules[id]
	if !ok {
		return nil, false
	}
	return reg.module, true
}

// List returns all modules, optionally filtered by kind ("" means all).
func (r *Registry) List(kind Kind) []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Module, 0, len(r.modules))
	for _, reg := range r.modules {
		if kind != "" && reg.module.Kind != kind {
			continue
		}
		out = append(out, reg.module)
	}
	return out
}

// Count returns the number of registered modules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

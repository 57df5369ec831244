package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/errorhandler"
	"github.com/fingerdev/finger/internal/events/bus"
	"github.com/fingerdev/finger/internal/hub"
	"github.com/fingerdev/finger/internal/module"
)

// Supervisor loads gateway manifests, keeps one session per enabled gateway,
// and exposes each gateway as a hub module.
type Supervisor struct {
	dir      string
	hub      *hub.Hub
	registry *module.Registry
	errors   *errorhandler.Handler
	events   bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSupervisor wires the supervisor. errors and events may be nil.
func NewSupervisor(dir string, h *hub.Hub, registry *module.Registry, errors *errorhandler.Handler, events bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		dir:      dir,
		hub:      h,
		registry: registry,
		errors:   errors,
		events:   events,
		sessions: make(map[string]*Session),
		logger:   log.WithFields(zap.String("component", "gateway_supervisor")),
	}
}

// Start loads manifests and brings up every enabled gateway. Children
// start concurrently; the first startup failure is returned after the
// rest have settled.
func (s *Supervisor) Start(ctx context.Context) error {
	manifests, err := LoadManifests(s.dir)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, manifest := range manifests {
		if manifest.Disabled {
			s.logger.Info("skipping disabled gateway", zap.String("gateway_id", manifest.ID))
			continue
		}
		manifest := manifest
		g.Go(func() error {
			return s.startGateway(ctx, manifest)
		})
	}
	return g.Wait()
}

func (s *Supervisor) startGateway(ctx context.Context, manifest *Manifest) error {
	session := s.Install(manifest)
	if err := session.StartProcess(ctx); err != nil {
		s.Remove(ctx, manifest.ID)
		return err
	}
	return nil
}

// Install registers a gateway module and returns its (unstarted) session.
// Callers attach a transport via StartProcess or Attach; tests use in-memory
// pipes.
func (s *Supervisor) Install(manifest *Manifest) *Session {
	session := NewSession(manifest,
		s.inputHandler(manifest),
		s.eventHandler(manifest),
		s.exitHandler(manifest),
		s.logger)

	s.mu.Lock()
	s.sessions[manifest.ID] = session
	s.mu.Unlock()

	kind := module.KindOutput
	if manifest.Direction == DirectionInput {
		kind = module.KindInput
	}
	mod := &module.Module{
		ID:   manifest.ID,
		Kind: kind,
		Name: "gateway:" + manifest.ID,
		Metadata: map[string]interface{}{
			"direction": manifest.Direction,
			"transport": manifest.Transport,
		},
		Handler: func(ctx context.Context, msg *hub.Message) (interface{}, error) {
			if manifest.Direction == DirectionInput {
				return nil, fmt.Errorf("gateway %s is input-only", manifest.ID)
			}
			mode := manifest.Mode.Default
			if !msg.Blocking {
				mode = ModeAsync
			}
			return session.Request(ctx, mode, msg.Payload, map[string]interface{}{
				"messageId": msg.ID,
				"sessionId": msg.SessionID,
				"source":    msg.Source,
			})
		},
	}
	if err := s.registry.Register(context.Background(), mod); err != nil {
		s.logger.Warn("gateway module registration failed",
			zap.String("gateway_id", manifest.ID), zap.Error(err))
	}
	return session
}

// Get returns a live session by gateway id.
func (s *Supervisor) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotFound, id)
	}
	return session, nil
}

// List returns the ids of installed gateways.
func (s *Supervisor) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Remove stops one gateway and unregisters its module.
func (s *Supervisor) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		session.Stop()
	}
	s.registry.Unregister(ctx, id)
}

// Stop tears down every gateway.
func (s *Supervisor) Stop(ctx context.Context) {
	for _, id := range s.List() {
		s.Remove(ctx, id)
	}
}

// Reload stops all sessions, unregisters their modules, and reinstalls from
// the manifest directory.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.Stop(ctx)
	return s.Start(ctx)
}

// inputHandler dispatches child-originated input envelopes into the hub.
func (s *Supervisor) inputHandler(manifest *Manifest) InputHandler {
	return func(ctx context.Context, env *Envelope) (interface{}, error) {
		payload, _ := env.Message.(map[string]interface{})
		msg := &hub.Message{
			ID:       uuid.New().String(),
			Type:     "gateway_input",
			Target:   env.Target,
			Source:   firstNonEmpty(env.Sender, manifest.ID),
			Blocking: env.Blocking,
			Payload:  payload,
		}
		if env.Target != "" && s.hub.HasEndpoint(env.Target) {
			return s.hub.SendToModule(ctx, env.Target, msg, nil)
		}
		return s.hub.Send(ctx, msg, nil)
	}
}

// eventHandler re-emits child event envelopes on the event bus.
func (s *Supervisor) eventHandler(manifest *Manifest) EventHandler {
	return func(env *Envelope) {
		if s.events == nil {
			return
		}
		s.events.Emit(context.Background(), bus.New("gateway_event", bus.GroupSystem, map[string]interface{}{
			"gatewayId": manifest.ID,
			"name":      env.Name,
			"payload":   env.Payload,
		}))
	}
}

// exitHandler reports abnormal child exits to the error handler.
func (s *Supervisor) exitHandler(manifest *Manifest) ExitHandler {
	return func(err error) {
		if err == nil {
			s.logger.Info("gateway exited cleanly", zap.String("gateway_id", manifest.ID))
			return
		}
		s.logger.Error("gateway crashed",
			zap.String("gateway_id", manifest.ID), zap.Error(err))
		if s.errors != nil {
			s.errors.RecordFailure(context.Background(), manifest.ID, errorhandler.CategoryModuleCrash, err, nil)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

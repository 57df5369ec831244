// Package api exposes the HTTP control plane consumed by UI and CLI
// clients, plus the WebSocket event stream endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/common/config"
	"github.com/fingerdev/finger/internal/common/httpmw"
	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/events/bus"
	"github.com/fingerdev/finger/internal/gateway"
	"github.com/fingerdev/finger/internal/hub"
	"github.com/fingerdev/finger/internal/module"
	"github.com/fingerdev/finger/internal/runtime"
	"github.com/fingerdev/finger/internal/session"
	"github.com/fingerdev/finger/internal/stream"
	"github.com/fingerdev/finger/internal/tools"
	"github.com/fingerdev/finger/internal/workflow"
)

// Deps are the subsystems the control plane fronts. Stream, Gateways, and
// Locks are optional.
type Deps struct {
	Hub       *hub.Hub
	Modules   *module.Registry
	Events    bus.EventBus
	Sessions  *session.Manager
	Locks     *session.LockManager
	Workflows *workflow.Manager
	Tools     *tools.Engine
	Runtime   *runtime.Runtime
	Gateways  *gateway.Supervisor
	Stream    *stream.Handler
}

// Server is the HTTP control plane.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	logger *logger.Logger
}

// NewServer builds the router and wires every endpoint group.
func NewServer(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "fingerd"))
	engine.Use(httpmw.OtelTracing("fingerd"))

	handler := NewHandler(deps, log)
	handler.SetupRoutes(engine)

	return &Server{
		engine: engine,
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "api_server")),
	}
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info("control plane listening", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

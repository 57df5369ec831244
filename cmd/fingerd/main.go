// Package main is the entry point for fingerd, the orchestration daemon.
// One binary runs the hub, module registry, agent runtime, gateway
// supervisor, workflow manager, and the HTTP+WebSocket control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fingerdev/finger/internal/api"
	"github.com/fingerdev/finger/internal/common/config"
	"github.com/fingerdev/finger/internal/common/logger"
	"github.com/fingerdev/finger/internal/common/portutil"
	"github.com/fingerdev/finger/internal/common/tracing"
	"github.com/fingerdev/finger/internal/errorhandler"
	"github.com/fingerdev/finger/internal/events/bus"
	"github.com/fingerdev/finger/internal/gateway"
	"github.com/fingerdev/finger/internal/hub"
	"github.com/fingerdev/finger/internal/ledger"
	"github.com/fingerdev/finger/internal/module"
	"github.com/fingerdev/finger/internal/runtime"
	"github.com/fingerdev/finger/internal/session"
	"github.com/fingerdev/finger/internal/stream"
	"github.com/fingerdev/finger/internal/tools"
	"github.com/fingerdev/finger/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting fingerd...", zap.String("home", cfg.Home.Dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus, with optional NATS mirroring for external observers.
	events := bus.NewMemoryEventBus(cfg.Events.HistoryLimit, log)
	defer events.Close()
	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(cfg.NATS, log)
		if err != nil {
			log.Warn("NATS mirror unavailable, events stay local", zap.Error(err))
		} else {
			mirror.Attach(events)
			defer mirror.Close()
			log.Info("Mirroring events to NATS", zap.String("url", cfg.NATS.URL))
		}
	}

	// Message hub and module registry.
	msgHub := hub.New(cfg.Hub.QueueCapacity, events, log)
	registry := module.NewRegistry(msgHub, log)

	// Error handler with backoff retry for crashing modules.
	errHandler := errorhandler.New(errorhandler.Config{
		BaseDelay:  cfg.Retry.BaseDelay(),
		Multiplier: cfg.Retry.Multiplier,
		MaxDelay:   cfg.Retry.MaxDelay(),
		MaxRetries: cfg.Retry.MaxRetries,
	}, events, log)
	defer errHandler.Close()

	// Tool engine: registry, per-agent access, authorization grants.
	toolEngine := tools.NewEngine(
		tools.NewRegistry(events, log),
		tools.NewAccessControl(),
		tools.NewAuthzManager(log),
		events, log)

	// Context ledger memory tools.
	ledgerSvc := ledger.NewService(
		filepath.Join(cfg.Home.Dir, "ledger"),
		cfg.Ledger.FocusMaxChars,
		cfg.Ledger.QueryLimit,
		log)
	if err := ledgerSvc.RegisterTools(toolEngine.Registry()); err != nil {
		log.Fatal("Failed to register ledger tools", zap.Error(err))
	}

	// Workflow manager with on-disk persistence.
	workflows := workflow.NewManager(cfg.Home.WorkflowsDir(), events, log)
	if err := workflows.Load(); err != nil {
		log.Warn("Failed to load persisted workflows", zap.Error(err))
	}

	// Sessions and the per-session input lock.
	sessions := session.NewManager(cfg.Home.SessionsDir(), events, log)
	locks := session.NewLockManager(cfg.InputLock.Lease(), events, log)
	defer locks.Close()

	// Agent runtime: catalog, deploy, dispatch, quotas.
	agentRuntime := runtime.New(cfg.Home.AgentsDir(), msgHub, registry, sessions, events, log)
	agentRuntime.SetAccessControl(toolEngine.Access())
	agentRuntime.SetWorkflowManager(workflows)
	if err := agentRuntime.LoadConfigs(); err != nil {
		log.Warn("Failed to load agent configs", zap.Error(err))
	}

	// Gateway subprocesses.
	gatewayDir := cfg.Gateway.Dir
	if gatewayDir == "" {
		gatewayDir = cfg.Home.GatewaysDir()
	}
	gateways := gateway.NewSupervisor(gatewayDir, msgHub, registry, errHandler, events, log)
	if err := gateways.Start(ctx); err != nil {
		log.Warn("Some gateways failed to start", zap.Error(err))
	}

	// WebSocket event stream.
	streamHub := stream.NewHub(events, log)
	go streamHub.Run(ctx)

	if cfg.Server.Port == 0 {
		port, err := portutil.AllocatePort()
		if err != nil {
			log.Fatal("Failed to allocate server port", zap.Error(err))
		}
		cfg.Server.Port = port
	}

	server := api.NewServer(cfg.Server, api.Deps{
		Hub:       msgHub,
		Modules:   registry,
		Events:    events,
		Sessions:  sessions,
		Locks:     locks,
		Workflows: workflows,
		Tools:     toolEngine,
		Runtime:   agentRuntime,
		Gateways:  gateways,
		Stream:    stream.NewHandler(streamHub, log),
	}, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("websocket", "/ws"),
		zap.String("http", "/api/v1"),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down fingerd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	gateways.Stop(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Trace exporter shutdown error", zap.Error(err))
	}

	log.Info("fingerd stopped")
}

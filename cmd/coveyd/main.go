// Package main is the entry point for the covey daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/covey-ai/covey/internal/agent"
	"github.com/covey-ai/covey/internal/api"
	"github.com/covey-ai/covey/internal/common/config"
	"github.com/covey-ai/covey/internal/common/httpmw"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/db"
	"github.com/covey-ai/covey/internal/events/bus"
	"github.com/covey-ai/covey/internal/gateway/websocket"
	"github.com/covey-ai/covey/internal/hub"
	"github.com/covey-ai/covey/internal/orchestrator"
	"github.com/covey-ai/covey/internal/react"
	"github.com/covey-ai/covey/internal/scheduler"
	"github.com/covey-ai/covey/internal/session"
	"github.com/covey-ai/covey/internal/workflow"
)

const (
	exitOK        = 0
	exitFatal     = 1
	exitPortInUse = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitFatal
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitFatal
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting covey daemon...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("Failed to create data dir", zap.String("path", cfg.DataDir), zap.Error(err))
		return exitFatal
	}

	// 4. Open the scheduler history database
	var dbPool *db.Pool
	switch cfg.Storage.Driver {
	case "postgres":
		dbPool, err = db.OpenPostgresPool(cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	default:
		dbPool, err = db.OpenSQLitePool(cfg.Storage.SQLitePathOrDefault(cfg.DataDir))
	}
	if err != nil {
		log.Error("Failed to open database", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
		return exitFatal
	}
	defer func() { _ = dbPool.Close() }()
	log.Info("Database ready", zap.String("driver", cfg.Storage.Driver))

	// 5. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Error("Failed to connect to NATS", zap.String("url", cfg.NATS.URL), zap.Error(err))
			return exitFatal
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 6. Session store
	sessions := session.NewStore(cfg.DataDir, eventBus, log)

	// 7. Scheduler with persistent task history and declared resources
	history, err := scheduler.NewTaskHistory(ctx, dbPool, log)
	if err != nil {
		log.Error("Failed to initialize task history", zap.Error(err))
		return exitFatal
	}
	resources := scheduler.NewResourcePool()
	resourceDecls, err := scheduler.LoadResourceDecls(filepath.Join(cfg.DataDir, "resources.yaml"))
	if err != nil {
		log.Error("Failed to load resource declarations", zap.Error(err))
		return exitFatal
	}
	for _, decl := range resourceDecls {
		if err := resources.Add(scheduler.Resource{ID: decl.ID, Type: decl.Type, Level: decl.Level}); err != nil {
			log.Error("Failed to register resource", zap.String("resource_id", decl.ID), zap.Error(err))
			return exitFatal
		}
	}
	sched := scheduler.New(cfg.Scheduler, resources, history, eventBus, log)

	// 8. Agent pool, executor, and dispatcher
	pool, err := agent.NewPool(cfg.DataDir, eventBus, agent.NewHTTPHealthChecker(), log)
	if err != nil {
		log.Error("Failed to initialize agent pool", zap.Error(err))
		return exitFatal
	}
	agentConfigs, err := agent.LoadConfigs(filepath.Join(cfg.DataDir, "agents.json"))
	if err != nil {
		log.Error("Failed to load agent configs", zap.Error(err))
		return exitFatal
	}
	for _, agentCfg := range agentConfigs {
		if err := pool.Register(ctx, agentCfg); err != nil {
			log.Error("Failed to register agent", zap.String("agent_id", agentCfg.ID), zap.Error(err))
			return exitFatal
		}
	}
	pool.StartAutoStart(ctx)
	dispatcher := agent.NewDispatcher(pool, sessions, sched, agent.NewHTTPExecutor(pool), log)

	// 9. Message hub
	messageHub := hub.New(hub.Config{
		SendTimeout:       cfg.Hub.SendTimeoutDuration(),
		MailboxTTL:        cfg.Hub.MailboxTTLDuration(),
		MaxHandlerWorkers: int64(cfg.Hub.MaxHandlerWorkers),
	}, eventBus, log)
	routeDecls, err := hub.LoadRouteDecls(filepath.Join(cfg.DataDir, "routes.yaml"))
	if err != nil {
		log.Error("Failed to load route declarations", zap.Error(err))
		return exitFatal
	}
	for _, decl := range routeDecls {
		messageHub.AddRoute(hub.Route{
			Pattern:      decl.Pattern,
			TargetOutput: decl.Target,
			Priority:     decl.Priority,
			Timeout:      time.Duration(decl.TimeoutSec) * time.Second,
		})
	}
	moduleDecls, err := hub.LoadModuleDecls(filepath.Join(cfg.DataDir, "modules.yaml"))
	if err != nil {
		log.Error("Failed to load module declarations", zap.Error(err))
		return exitFatal
	}
	for _, decl := range moduleDecls {
		if _, err := api.RegisterAgentModule(messageHub, dispatcher, decl); err != nil {
			log.Error("Failed to register declared module", zap.String("module_id", decl.ID), zap.Error(err))
			return exitFatal
		}
	}
	go messageHub.Run(ctx)

	// 10. Workflow manager with pool states embedded in checkpoints
	workflows := workflow.NewManager(sessions, eventBus,
		workflow.NewInstructionBus(log), workflow.NewAskBus(log), log)
	workflows.SetAgentStateSource(pool.StateSnapshot)

	// 11. Workflow conductor, when a planner agent is configured
	var conductor *orchestrator.Conductor
	if cfg.Orchestrator.PlannerAgentID != "" {
		modelSession, err := sessions.Create(ctx, cfg.DataDir)
		if err != nil {
			log.Error("Failed to create conductor session", zap.Error(err))
			return exitFatal
		}
		planner := orchestrator.NewAgentPlanner(dispatcher, cfg.Orchestrator.PlannerAgentID,
			modelSession.ID, cfg.Orchestrator.TaskWaitMs)
		var reviewer react.Reviewer
		if cfg.Orchestrator.ReviewerAgentID != "" {
			reviewer = orchestrator.NewAgentReviewer(dispatcher, cfg.Orchestrator.ReviewerAgentID,
				modelSession.ID, cfg.Orchestrator.TaskWaitMs)
		}
		conductor = orchestrator.New(workflows, dispatcher, pool, planner, reviewer, orchestrator.Config{
			MaxReplans:     cfg.Orchestrator.MaxReplans,
			TaskWaitMs:     cfg.Orchestrator.TaskWaitMs,
			ReviewEnabled:  cfg.Review.Enabled,
			ReviewMaxTurns: cfg.Review.MaxTurns,
			React: react.Config{
				MaxRounds:           cfg.React.MaxRounds,
				MaxRejections:       cfg.React.MaxRejections,
				OnStuck:             cfg.React.OnStuck,
				OnConvergence:       cfg.React.OnConvergence,
				FormatFixMaxRetries: cfg.React.FormatFixMaxRetries,
				LedgerFocusChars:    cfg.React.LedgerFocusChars,
			},
		}, log)
		log.Info("Workflow conductor enabled",
			zap.String("planner_agent", cfg.Orchestrator.PlannerAgentID),
			zap.String("reviewer_agent", cfg.Orchestrator.ReviewerAgentID))
	}

	// 12. WebSocket hub and event bridge
	wsHub := websocket.NewHub(log)
	go wsHub.Run(ctx)
	bridge := websocket.NewBridge(eventBus, wsHub, log)
	if err := bridge.Start(); err != nil {
		log.Error("Failed to start event bridge", zap.Error(err))
		return exitFatal
	}
	defer bridge.Stop()

	// 13. HTTP router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "coveyd"))
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing("coveyd"))

	handler := api.NewHandler(messageHub, workflows, dispatcher, pool, sched, log)
	if conductor != nil {
		handler.SetRunner(conductor)
	}
	api.SetupRoutes(router.Group("/api/v1"), handler)
	router.GET("/ws", websocket.Handler(wsHub, log))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 14. Bind the listener first so a busy port fails fast
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			log.Error("Port already in use", zap.String("addr", addr))
			return exitPortInUse
		}
		log.Error("Failed to bind listener", zap.String("addr", addr), zap.Error(err))
		return exitFatal
	}
	server := &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 15. Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 16. Wait for shutdown signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server failed", zap.Error(err))
		return exitFatal
	}

	log.Info("Shutting down covey daemon...")

	// 17. Graceful shutdown
	cancel()
	if conductor != nil {
		conductor.Shutdown()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var g errgroup.Group
	g.Go(func() error { return server.Shutdown(shutdownCtx) })
	g.Go(func() error { pool.Shutdown(shutdownCtx); return nil })
	if err := g.Wait(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}

	log.Info("covey daemon stopped")
	return exitOK
}

// Package main is the vuhlp daemon: a local orchestration server that runs
// graphs of coding-agent nodes. One binary hosts the run engine, the REST and
// WebSocket gateway and the embedded MCP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/approval"
	"github.com/vuhlp/vuhlp/internal/artifacts"
	"github.com/vuhlp/vuhlp/internal/chat"
	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/httpmw"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events/bus"
	"github.com/vuhlp/vuhlp/internal/events/eventlog"
	"github.com/vuhlp/vuhlp/internal/executor"
	"github.com/vuhlp/vuhlp/internal/gateway/httpapi"
	gatewayws "github.com/vuhlp/vuhlp/internal/gateway/websocket"
	"github.com/vuhlp/vuhlp/internal/mcpserver"
	"github.com/vuhlp/vuhlp/internal/prompt"
	"github.com/vuhlp/vuhlp/internal/provider"
	"github.com/vuhlp/vuhlp/internal/provider/mock"
	"github.com/vuhlp/vuhlp/internal/roles"
	"github.com/vuhlp/vuhlp/internal/run/persistence"
	runservice "github.com/vuhlp/vuhlp/internal/run/service"
	"github.com/vuhlp/vuhlp/internal/run/store"
	"github.com/vuhlp/vuhlp/internal/scheduler"
	"github.com/vuhlp/vuhlp/internal/session"
	"github.com/vuhlp/vuhlp/internal/verify"
	"github.com/vuhlp/vuhlp/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting vuhlp daemon...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.RunsDir(), 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}

	// 3. Event bus + durable per-run event log
	innerBus, busCleanup, err := bus.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	eventLog := eventlog.New(cfg.RunsDir(), log)
	defer eventLog.Close()
	eventBus := bus.NewDurableBus(innerBus, eventLog, log)

	// 4. Run state + snapshot persistence
	runs := store.New()

	snapshots, err := persistence.Open(cfg, log)
	if err != nil {
		log.Fatal("Failed to open snapshot store", zap.Error(err))
	}
	defer snapshots.Close()

	// 5. Engine services
	prompts := prompt.NewQueue(log)
	approvals := approval.NewQueue(eventBus, log,
		approval.WithAutoDenyOnTimeout(cfg.Approvals.AutoDenyOnTimeout))
	chatMgr := chat.NewManager(eventBus, runs, cfg.Chat.Retention, log)
	sessions := session.NewRegistry(log)
	artifactStore := artifacts.New(cfg.RunsDir(), runs, eventBus, log)
	workspaces := workspace.NewManager(cfg.Workspace.Mode, cfg.RunsDir(), log)
	verifier := verify.NewRunner(cfg.Verification.Commands, cfg.Verification.TimeoutDuration(), log)

	catalog := roles.NewCatalog()
	if err := catalog.LoadOverlay(filepath.Join(cfg.DataDir, "roles.yaml")); err != nil {
		log.Fatal("Failed to load roles overlay", zap.Error(err))
	}
	catalog.ApplyProviderOverrides(cfg.Roles)

	providers := provider.NewRegistry(cfg.Providers, log)
	for name, p := range cfg.Providers {
		if p.Kind == "mock" {
			providers.Register(name, mock.NewAdapter(nil))
		}
	}

	// 6. Embedded MCP server. Started before the executor so sessions can be
	// launched with the endpoint already known.
	var mcpEndpoint string
	if cfg.MCP.Port != 0 {
		mcpSrv, mcpCleanup, err := mcpserver.Provide(ctx, mcpserver.Config{
			Port:      cfg.MCP.Port,
			DaemonURL: fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
		}, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		defer mcpCleanup()
		mcpEndpoint = mcpSrv.SSEEndpoint()
		log.Info("MCP server started", zap.Int("port", mcpSrv.Port()))
	}

	// 7. Executor + scheduler
	exec := executor.New(runs, eventBus, approvals, providers, sessions,
		artifactStore, workspaces, verifier, prompts, catalog,
		executor.Config{
			ApprovalTimeoutMs: cfg.Approvals.DefaultTimeoutMs,
			MCPEndpoint:       mcpEndpoint,
		}, log)

	sched := scheduler.New(runs, eventBus, chatMgr, approvals, exec, scheduler.Config{
		MaxConcurrency:  cfg.Scheduler.MaxConcurrency,
		Tick:            cfg.Scheduler.TickDuration(),
		InteractiveIdle: cfg.Scheduler.InteractiveIdleDuration(),
		MaxIterations:   cfg.Orchestration.MaxIterations,
	}, log)

	// 8. Run service, restore persisted runs, then snapshot on every event
	svc := runservice.New(runs, sched, chatMgr, approvals, prompts, sessions,
		artifactStore, workspaces, snapshots, eventLog, eventBus, log)
	if err := svc.Restore(); err != nil {
		log.Fatal("Failed to restore persisted runs", zap.Error(err))
	}
	watchSub, err := snapshots.Watch(eventBus, runs)
	if err != nil {
		log.Fatal("Failed to watch run events", zap.Error(err))
	}
	defer watchSub.Unsubscribe()

	// 9. HTTP + WebSocket gateway
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "vuhlpd"))
	router.Use(httpmw.OtelTracing("vuhlpd"))

	handler := httpapi.NewHandler(svc, chatMgr, approvals, prompts, artifactStore, log)
	httpapi.SetupRoutes(router, handler, log)

	wsHandler := gatewayws.NewHandler(eventBus, log)
	wsHandler.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("vuhlp daemon listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("api", "/api"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down vuhlp daemon...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sched.StopAll()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("vuhlp daemon stopped")
}

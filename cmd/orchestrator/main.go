// Package main is the entry point for the Orchestrator service: the
// session/sandbox/agent control plane coordinating multiplayer coding
// sessions, their sandboxes, and their background agents.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/acpbridge"
	"github.com/kandev/orchestrator/internal/agentscheduler"
	"github.com/kandev/orchestrator/internal/agentscheduler/profiles"
	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/httpmw"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events/bus"
	gateway "github.com/kandev/orchestrator/internal/gateway/websocket"
	"github.com/kandev/orchestrator/internal/gitsync"
	"github.com/kandev/orchestrator/internal/httpapi"
	"github.com/kandev/orchestrator/internal/multiplayer"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/kandev/orchestrator/internal/sandbox/docker"
	"github.com/kandev/orchestrator/internal/sandbox/localexec"
	"github.com/kandev/orchestrator/internal/sandbox/sprites"
	"github.com/kandev/orchestrator/internal/snapshot"
	"github.com/kandev/orchestrator/internal/snapshotlifecycle"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/store/postgres"
	"github.com/kandev/orchestrator/internal/store/sqlite"
	"github.com/kandev/orchestrator/internal/warmpool"
	ws "github.com/kandev/orchestrator/pkg/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Orchestrator service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
		log.Info("connected to NATS event bus")
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}

	// 5. Session state store: Postgres when the driver says so, SQLite
	// when a path is configured, in-memory otherwise (tests,
	// single-process development).
	var sessionStore store.Store
	switch {
	case cfg.Database.Driver == "postgres":
		pgStore, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			log.Fatal("failed to open postgres session store", zap.Error(err))
		}
		sessionStore = pgStore
		defer pgStore.Close()
		log.Info("session store opened", zap.String("driver", "postgres"), zap.String("dbName", cfg.Database.DBName))
	case cfg.Database.Path != "":
		sqliteStore, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			log.Fatal("failed to open session store", zap.Error(err))
		}
		sessionStore = sqliteStore
		defer sqliteStore.Close()
		log.Info("session store opened", zap.String("driver", "sqlite"), zap.String("path", cfg.Database.Path))
	default:
		sessionStore = store.NewMemoryStore()
		log.Info("using in-memory session store")
	}

	// 6. Sandbox provider.
	provider, err := newSandboxProvider(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize sandbox provider", zap.Error(err))
	}

	// 7. Warm pool, snapshots, git-sync gate, and the idle/busy lifecycle
	// bridge that ties them together.
	warmPool := warmpool.New(provider, eventBus, cfg.WarmPool, log)
	snapshots := snapshot.New(provider, eventBus, cfg.Snapshot.DefaultTTLDuration(), log)

	gitGate, err := gitsync.New(sessionStore, eventBus, log)
	if err != nil {
		log.Fatal("failed to initialize git sync gate", zap.Error(err))
	}
	defer gitGate.Close()

	lifecycleBridge, err := snapshotlifecycle.New(sessionStore, provider, snapshots, warmPool, cfg.SnapshotLifecycle, cfg.Snapshot.SweepIntervalDuration(), eventBus, log)
	if err != nil {
		log.Fatal("failed to initialize snapshot lifecycle bridge", zap.Error(err))
	}
	defer lifecycleBridge.Close()
	if err := lifecycleBridge.Start(ctx); err != nil {
		log.Fatal("failed to start snapshot expiry sweep", zap.Error(err))
	}

	if cfg.WarmPool.Enabled {
		if err := warmPool.Start(ctx); err != nil {
			log.Fatal("failed to start warm pool replenishment loop", zap.Error(err))
		}
	}

	// 8. Multiplayer session manager.
	mpManager := multiplayer.New(sessionStore, eventBus, provider, cfg.Multiplayer, cfg.PromptQueue, log)

	// 9. Background agent pipeline: spawner admits/tracks state, the
	// scheduler applies admission control and retries, and either the ACP
	// bridge (default) or the Copilot SDK profile (cfg.Copilot.Enabled)
	// drives sandbox init and the agent process.
	spawner := agentspawner.New(eventBus, log)
	initializeFunc, runFunc := acpInitializeAndRun(cfg, provider, eventBus, sessionStore, log)
	scheduler := agentscheduler.New(spawner, initializeFunc, runFunc, schedulerConfig(cfg.Scheduler), log)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("failed to start agent scheduler", zap.Error(err))
	}

	// 10. WebSocket gateway: fan out session/cursor/prompt/agent events,
	// and accept the same mutating actions the HTTP surface exposes for
	// clients that already hold an open socket.
	dispatcher := ws.NewDispatcher()
	gateway.RegisterHealthHandler(dispatcher)
	gateway.RegisterCommandHandlers(dispatcher, mpManager, scheduler)
	hub := gateway.NewHub(dispatcher, log)
	go hub.Run(ctx)

	eventBridge, err := gateway.NewEventBridge(hub, eventBus, log)
	if err != nil {
		log.Fatal("failed to initialize websocket event bridge", zap.Error(err))
	}
	defer eventBridge.Close()

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "orchestrator"))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 12. Register API routes
	v1 := router.Group("/api/v1")
	httpapi.SetupRoutes(v1, &httpapi.Dependencies{
		Provider:    provider,
		Pool:        warmPool,
		Snapshots:   snapshots,
		Scheduler:   scheduler,
		Multiplayer: mpManager,
		Store:       sessionStore,
		Log:         log,
	})

	// 13. Register WebSocket routes
	wsHandler := gateway.NewHandler(hub, log)
	gateway.SetupRoutes(router, wsHandler)

	// 14. Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "orchestrator"})
	})

	// 15. Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8082 // Default orchestrator port
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 16. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// 17. Background sweep: release edit locks abandoned without an
	// explicit release call.
	staleLockTicker := time.NewTicker(5 * time.Second)
	defer staleLockTicker.Stop()
	go func() {
		for {
			select {
			case <-staleLockTicker.C:
				mpManager.ExpireStaleLocks(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	// 18. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Orchestrator service...")

	// 19. Graceful shutdown
	cancel() // Cancel context to stop background goroutines

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := scheduler.Stop(); err != nil {
		log.Error("agent scheduler stop error", zap.Error(err))
	}
	if err := lifecycleBridge.Stop(); err != nil {
		log.Error("snapshot expiry sweep stop error", zap.Error(err))
	}
	if cfg.WarmPool.Enabled {
		if err := warmPool.Stop(); err != nil {
			log.Error("warm pool replenishment loop stop error", zap.Error(err))
		}
	}

	log.Info("Orchestrator service stopped")
}

// newSandboxProvider selects a sandbox.Provider backend by configuration,
// preferring the remote Sprites.dev hypervisor, then local Docker, and
// falling back to a bare local-process provider for development.
func newSandboxProvider(cfg *config.Config, log *logger.Logger) (sandbox.Provider, error) {
	if cfg.Sprites.Enabled {
		log.Info("using Sprites.dev sandbox provider")
		return sprites.New(cfg.Sprites, log)
	}
	if cfg.Docker.Enabled {
		log.Info("using Docker sandbox provider")
		return docker.New(cfg.Docker, log)
	}
	log.Info("using local-process sandbox provider (no Docker/Sprites configured)")
	baseDir := os.Getenv("ORCHESTRATOR_SANDBOX_DIR")
	if baseDir == "" {
		baseDir = "./sandboxes"
	}
	return localexec.New(baseDir, log)
}

// acpInitializeAndRun picks the scheduler's two-phase callback pair: the
// Copilot SDK sample profile when explicitly enabled, otherwise the ACP
// bridge that drives the agent-runner subprocess.
func acpInitializeAndRun(cfg *config.Config, provider sandbox.Provider, eventBus bus.EventBus, sessionStore store.Store, log *logger.Logger) (agentscheduler.InitializeFunc, agentscheduler.RunFunc) {
	if cfg.Copilot.Enabled {
		log.Info("using Copilot SDK agent profile")
		task := profiles.NewCopilotTask(provider, cfg.Copilot, log)
		return task.Initialize, task.Run
	}
	acpBridge := acpbridge.New(
		provider,
		eventBus,
		resolveRepositoryFor(sessionStore, provider),
		[]string{"agent-runner", "--task", "{task}", "--session", "{sessionId}"},
		cfg.Scheduler.RunTimeoutDuration(),
		log,
	)
	return acpBridge.Initialize, acpBridge.Run
}

func schedulerConfig(cfg config.SchedulerConfig) agentscheduler.Config {
	d := agentscheduler.DefaultConfig()
	if cfg.MaxConcurrent > 0 {
		d.MaxConcurrent = cfg.MaxConcurrent
	}
	if cfg.MaxQueued > 0 {
		d.MaxQueued = cfg.MaxQueued
	}
	if cfg.MaxPerSession > 0 {
		d.MaxPerSession = cfg.MaxPerSession
	}
	if cfg.InitTimeout > 0 {
		d.InitTimeout = cfg.InitTimeoutDuration()
	}
	if cfg.RunTimeout > 0 {
		d.RunTimeout = cfg.RunTimeoutDuration()
	}
	if cfg.RetryLimit > 0 {
		d.RetryLimit = cfg.RetryLimit
	}
	if cfg.RetryDelay > 0 {
		d.RetryDelay = cfg.RetryDelayDuration()
	}
	if cfg.ProcessInterval > 0 {
		d.ProcessInterval = cfg.ProcessIntervalDuration()
	}
	return d
}

// resolveRepositoryFor builds an acpbridge.RepositoryResolver that looks up
// a background agent's parent session to find its sandbox's repository
// coordinates, since Agent itself carries no repository/branch fields.
func resolveRepositoryFor(st store.Store, provider sandbox.Provider) acpbridge.RepositoryResolver {
	return func(ctx context.Context, agent *agentspawner.Agent) (string, string, string, error) {
		s, err := st.Get(ctx, agent.ParentSessionID)
		if err != nil {
			return "", "", "", err
		}
		if s == nil || s.SandboxID == "" {
			return "", "", "", fmt.Errorf("parent session %s has no sandbox", agent.ParentSessionID)
		}
		sb, err := provider.Get(ctx, s.SandboxID)
		if err != nil {
			return "", "", "", err
		}
		return sb.Repository, sb.Branch, sb.ProjectID, nil
	}
}

// corsMiddleware allows cross-origin requests from web clients, including
// the WebSocket upgrade handshake.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

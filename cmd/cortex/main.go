// Cortex control plane server — provides the HTTP API, runs the queue
// worker pool that executes agent jobs, and hosts the SSE streaming fabric.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cortexhq/cortex/pkg/api"
	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/database"
	"github.com/cortexhq/cortex/pkg/events"
	"github.com/cortexhq/cortex/pkg/masking"
	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/notify"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/reaper"
	"github.com/cortexhq/cortex/pkg/registry"
	"github.com/cortexhq/cortex/pkg/services"
	"github.com/cortexhq/cortex/pkg/store"
	"github.com/cortexhq/cortex/pkg/transcript"
	"github.com/cortexhq/cortex/pkg/version"
	"github.com/cortexhq/cortex/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// setupLogging configures the default slog handler from LOG_LEVEL and
// LOG_FORMAT. Unknown values fall back to info/text.
func setupLogging() {
	var level slog.Level
	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if getEnv("LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}
	setupLogging()

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()
	logger := slog.Default()

	logger.Info("Starting cortex",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		logger.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	storeDB := store.NewDB(dbClient.DB())

	// 3. Streaming fabric: local SSE manager + durable publisher + the
	// LISTEN bridge that relays other replicas' events into the manager.
	streamManager := events.NewManager(cfg.SSE)
	publisher := events.NewPublisher(dbClient.DB())
	listener := events.NewNotifyListener(dbConfig.DSN(), streamManager, storeDB.Events)
	if err := listener.Start(ctx); err != nil {
		logger.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	streamManager.SetListener(listener)
	logger.Info("Streaming infrastructure initialized")

	// 4. Task queue
	var q queue.Queue
	var pgQueue *queue.PostgresQueue
	if getEnv("QUEUE_DRIVER", "postgres") == "memory" {
		q = queue.NewMemoryQueue(cfg.Queue)
		logger.Warn("Using in-memory queue; jobs do not survive restarts")
	} else {
		pgQueue = queue.NewPostgresQueue(dbClient.DB(), podID, cfg.Queue)
		q = pgQueue
	}
	defer q.Release()

	// 5. Backend registry: all-or-nothing startup so a broken backend
	// config is caught here rather than on the first routed job.
	reg := registry.New(logger)
	if err := registry.RegisterFromConfig(ctx, reg, cfg.Backends, logger); err != nil {
		logger.Error("Failed to register backends", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := reg.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down backends", "error", err)
		}
	}()

	// 6. Services
	masker := masking.NewService(cfg.Masking)
	agentService := services.NewAgentService(storeDB, logger)
	jobService := services.NewJobService(storeDB, q, publisher, logger)
	approvalService := services.NewApprovalService(storeDB, q, publisher, cfg.Approval, logger)
	sessionService := services.NewSessionService(storeDB, q, logger)

	if cfg.Notifier.NotifierEnabled() {
		notifier := notify.NewService(notify.ServiceConfig{
			Token:        os.Getenv(cfg.Notifier.TokenEnv),
			Channel:      cfg.Notifier.Channel,
			DashboardURL: cfg.Notifier.DashboardURL,
			APIURL:       cfg.Notifier.APIURL,
			Masker:       masker,
		})
		if notifier == nil {
			logger.Warn("Notifier enabled but token or channel missing; notifications disabled",
				"token_env", cfg.Notifier.TokenEnv)
		} else {
			approvalService.SetNotifier(notifier)
			logger.Info("Slack notifier initialized", "channel", cfg.Notifier.Channel)
		}
	}
	logger.Info("Services initialized")

	// 7. Execution worker + queue pool
	transcripts := transcript.NewStore(getEnv("WORKSPACE_DIR", "./data/workspaces"), masker, logger)
	execWorker := worker.New(worker.Deps{
		Jobs:        storeDB.Jobs,
		Agents:      storeDB.Agents,
		Approvals:   storeDB.Approvals,
		Sessions:    storeDB.Sessions,
		Memory:      storeDB.Memory,
		Router:      worker.NewRegistryRouter(reg),
		Queue:       q,
		Events:      publisher,
		Transcripts: worker.NewTranscriptOpener(transcripts),
	}, cfg.Worker, cfg.Memory, logger)

	if err := q.Run(ctx, queue.RunOptions{
		TaskList: map[string]queue.TaskHandler{
			models.TaskAgentExecute: execWorker.Handle,
		},
		Concurrency: cfg.Queue.WorkerCount,
	}); err != nil {
		logger.Error("Failed to start queue workers", "error", err)
		os.Exit(1)
	}

	// 8. Reaper (approval expiry, dead-job rescue, event log pruning)
	reaperService := reaper.NewService(cfg.Reaper, cfg.Worker,
		approvalService, storeDB.Jobs, storeDB.Events, q, publisher, logger)
	if err := reaperService.Start(); err != nil {
		logger.Error("Failed to start reaper", "error", err)
		os.Exit(1)
	}

	// 9. HTTP server
	httpServer := api.NewServer(cfg, dbClient,
		agentService, jobService, approvalService, sessionService,
		reg, streamManager, logger)
	if pgQueue != nil {
		httpServer.SetQueueHealth(pgQueue)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	logger.Info("Cortex started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount,
		"backends", len(cfg.Backends))

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop the schedulers first, then drain the
	// worker pool, then close the streaming and HTTP surfaces. Jobs that
	// outlive the drain window keep their rows; the reclaim window and the
	// heartbeat reaper pick them back up on the next replica.
	reaperService.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout.Std())
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.Release()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded — in-flight jobs will be reclaimed")
	}

	streamManager.Shutdown()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}

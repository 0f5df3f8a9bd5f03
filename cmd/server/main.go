// MILES - multimodal prompt router server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/miles/internal/api"
	"github.com/ashureev/miles/internal/brain"
	"github.com/ashureev/miles/internal/config"
	"github.com/ashureev/miles/internal/dispatch"
	"github.com/ashureev/miles/internal/memory"
	"github.com/ashureev/miles/internal/middleware"
	"github.com/ashureev/miles/internal/queue"
	"github.com/ashureev/miles/internal/worker"
	"github.com/ashureev/miles/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "brain_mode", cfg.BrainMode, "queue", cfg.Queue.Backend, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	history := memory.Open(cfg.Memory.File, cfg.Memory.HistoryLimit, logger)
	tracker := memory.NewTracker(cfg.Memory.TmpDir, cfg.Memory.ModelsDir, logger)
	slog.Info("Memory loaded", "turns", history.Len(), "file", cfg.Memory.File)

	tasks, err := queue.Open(cfg.Queue, logger)
	if err != nil {
		slog.Error("Failed to open task queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := tasks.Close(); closeErr != nil {
			slog.Error("Failed to close task queue", "error", closeErr)
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Timeout.HealthCheck)
	if err := tasks.Ping(pingCtx); err != nil {
		slog.Warn("Task queue not reachable yet", "error", err)
	}
	pingCancel()

	decomposer, err := brain.New(cfg, brain.Deps{
		History:   history,
		Artifacts: tracker,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("Failed to initialize brain", "error", err)
		os.Exit(1)
	}

	var workerHealth api.WorkerHealth
	if cfg.Worker.HealthTarget != "" {
		hc, err := worker.NewHealthClient(worker.DefaultHealthClientConfig(cfg.Worker.HealthTarget), logger)
		if err != nil {
			slog.Warn("Worker health probe disabled", "error", err)
		} else {
			defer hc.Close()
			workerHealth = hc
			slog.Info("Worker health probe enabled", "target", cfg.Worker.HealthTarget)
		}
	}

	handler := api.NewHandler(api.Deps{
		Brain:        decomposer,
		Dispatcher:   dispatch.New(tasks, dispatch.DefaultRegistry(), logger),
		Tasks:        tasks,
		Conversation: history,
		Artifacts:    tracker,
		WorkerHealth: workerHealth,
		Logger:       logger,
	}, cfg)

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	handler.RegisterRoutes(r)

	// Serve embedded playground.
	r.Handle(web.Prefix+"*", web.Handler())
	r.Get("/playground", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, web.Prefix, http.StatusFound)
	})

	// SSE streams need long-lived responses, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional in-process workers for single-binary deployments.
	var workers sync.WaitGroup
	if cfg.Worker.InProcess > 0 {
		toolkit, err := worker.NewToolkit(cfg, tracker, logger)
		if err != nil {
			slog.Error("Failed to initialize in-process workers", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := toolkit.Close(); closeErr != nil {
				slog.Warn("Failed to close worker toolkit", "error", closeErr)
			}
		}()

		runner := worker.NewRunner(tasks, toolkit.Handlers, worker.Options{
			ClaimWait:   cfg.Worker.ClaimWait,
			TaskTimeout: cfg.Worker.TaskTimeout,
		}, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := runner.Run(ctx, cfg.Worker.InProcess); err != nil {
				slog.Error("In-process workers stopped", "error", err)
			}
		}()
		slog.Info("In-process workers started", "count", cfg.Worker.InProcess)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	workers.Wait()

	slog.Info("Server stopped successfully")
}

// MILES - task worker: claims queued tasks and runs the specialist handlers
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/miles/internal/config"
	"github.com/ashureev/miles/internal/memory"
	"github.com/ashureev/miles/internal/queue"
	"github.com/ashureev/miles/internal/worker"
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

	if config.InContainer() && strings.Contains(cfg.SF3D.URL, "127.0.0.1") && cfg.SF3D.DockerImage == "" {
		slog.Warn("SF3D_URL points at loopback from inside a container", "url", cfg.SF3D.URL)
	}

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

	tracker := memory.NewTracker(cfg.Memory.TmpDir, cfg.Memory.ModelsDir, logger)
	toolkit, err := worker.NewToolkit(cfg, tracker, logger)
	if err != nil {
		slog.Error("Failed to initialize handlers", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := toolkit.Close(); closeErr != nil {
			slog.Warn("Failed to close worker toolkit", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if toolkit.Launcher != nil {
		startCtx, cancel := context.WithTimeout(ctx, cfg.SF3D.StartWait+cfg.Timeout.HealthCheck)
		if err := toolkit.Launcher.EnsureRunning(startCtx); err != nil {
			slog.Warn("SF3D service not ready, will retry on first 3D task", "error", err)
		}
		cancel()
	}

	runner := worker.NewRunner(tasks, toolkit.Handlers, worker.Options{
		ClaimWait:   cfg.Worker.ClaimWait,
		TaskTimeout: cfg.Worker.TaskTimeout,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx, cfg.Worker.Concurrency)
	})
	if cfg.Worker.HealthAddr != "" {
		healthSrv := worker.NewHealthServer(tasks, cfg.Timeout.HealthCheck, logger)
		g.Go(func() error {
			slog.Info("Worker health service listening", "addr", cfg.Worker.HealthAddr)
			return healthSrv.ListenAndServe(gctx, cfg.Worker.HealthAddr)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("Worker stopped with error", "error", err)
	}

	if toolkit.Launcher != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
		if err := toolkit.Launcher.Stop(stopCtx); err != nil {
			slog.Warn("Failed to stop SF3D container", "error", err)
		}
		cancel()
	}

	slog.Info("Worker stopped successfully")
}

// Package queue provides the asynchronous task queue between the API and the
// workers, with Redis and SQLite backends.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/miles/internal/config"
	"github.com/ashureev/miles/internal/domain"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Outcome is the terminal result a worker records for a task.
type Outcome struct {
	Status    domain.TaskStatus
	Result    string
	Artifacts []string
}

// Succeeded builds a SUCCESS outcome.
func Succeeded(result string, artifacts ...string) Outcome {
	return Outcome{Status: domain.StatusSuccess, Result: result, Artifacts: artifacts}
}

// Failed builds a FAILURE outcome. The result is the user-facing error text.
func Failed(err error) Outcome {
	return Outcome{Status: domain.StatusFailure, Result: "Error: " + err.Error()}
}

// Queue defines the operations shared by every backend.
type Queue interface {
	// Submit enqueues a task and returns its identifier.
	Submit(ctx context.Context, workerName, prompt string) (string, error)

	// Get returns the task record. Unknown identifiers report PENDING, the
	// same answer a result backend gives for tasks it has not seen yet.
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)

	// Claim takes the oldest pending task, waiting up to wait for one.
	// It returns nil, nil when nothing arrived in time.
	Claim(ctx context.Context, wait time.Duration) (*domain.TaskRecord, error)

	// MarkStarted moves a claimed task to STARTED.
	MarkStarted(ctx context.Context, id string) error

	// Complete records the terminal outcome of a task.
	Complete(ctx context.Context, id string, out Outcome) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(cfg config.QueueConfig, logger *slog.Logger) (Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.QueueRedis:
		return NewRedis(RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			ResultTTL: cfg.ResultTTL,
		}, logger)
	case config.QueueSQLite:
		return NewSQLite(cfg.DBPath, logger)
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
}

func pendingRecord(id string) *domain.TaskRecord {
	return &domain.TaskRecord{ID: id, Status: domain.StatusPending}
}

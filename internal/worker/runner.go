// Package worker claims queued tasks and runs the specialist handlers that
// produce their results.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/miles/internal/domain"
	"github.com/ashureev/miles/internal/queue"
)

const claimErrorDelay = time.Second

// Result is what a handler produced for a task.
type Result struct {
	Text      string
	Artifacts []string
}

// Handler executes tasks for one worker name. A returned error marks the task
// FAILURE with the error text.
type Handler interface {
	Handle(ctx context.Context, prompt string) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, prompt string) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, prompt string) (Result, error) {
	return f(ctx, prompt)
}

// Source is the consumer side of the task queue.
type Source interface {
	Claim(ctx context.Context, wait time.Duration) (*domain.TaskRecord, error)
	MarkStarted(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, out queue.Outcome) error
}

// Options tune a Runner.
type Options struct {
	ClaimWait   time.Duration
	TaskTimeout time.Duration
}

// Runner pulls tasks from a Source and dispatches them to handlers by worker
// name.
type Runner struct {
	source   Source
	handlers map[string]Handler
	opts     Options
	logger   *slog.Logger
}

// NewRunner creates a runner over the given handlers.
func NewRunner(source Source, handlers map[string]Handler, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ClaimWait <= 0 {
		opts.ClaimWait = 2 * time.Second
	}
	return &Runner{source: source, handlers: handlers, opts: opts, logger: logger}
}

// Names returns the worker names this runner serves.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}

// Run starts concurrency claim loops and blocks until ctx is cancelled or the
// queue is closed.
func (r *Runner) Run(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	r.logger.Info("worker runner started", "concurrency", concurrency, "workers", r.Names())

	g, ctx := errgroup.WithContext(ctx)
	for i := range concurrency {
		g.Go(func() error {
			return r.loop(ctx, i)
		})
	}
	err := g.Wait()
	r.logger.Info("worker runner stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, slot int) error {
	for ctx.Err() == nil {
		task, err := r.source.Claim(ctx, r.opts.ClaimWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			r.logger.Error("claim failed", "slot", slot, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(claimErrorDelay):
			}
			continue
		}
		if task == nil {
			continue
		}
		r.Process(ctx, task)
	}
	return nil
}

// Process runs a single claimed task to completion and records its outcome.
// The outcome is recorded even if ctx is cancelled meanwhile.
func (r *Runner) Process(ctx context.Context, task *domain.TaskRecord) {
	log := r.logger.With("task_id", task.ID, "worker", task.WorkerName)
	record := context.WithoutCancel(ctx)

	if err := r.source.MarkStarted(record, task.ID); err != nil {
		log.Warn("failed to mark task started", "error", err)
	}

	start := time.Now()
	out := r.execute(ctx, task)
	if err := r.source.Complete(record, task.ID, out); err != nil {
		log.Error("failed to record task outcome", "error", err)
		return
	}
	log.Info("task finished", "status", out.Status, "duration", time.Since(start))
}

func (r *Runner) execute(ctx context.Context, task *domain.TaskRecord) (out queue.Outcome) {
	h, ok := r.handlers[task.WorkerName]
	if !ok {
		return queue.Failed(fmt.Errorf("no handler registered for worker %q", task.WorkerName))
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked", "task_id", task.ID, "panic", p, "stack", string(debug.Stack()))
			out = queue.Failed(fmt.Errorf("worker crashed: %v", p))
		}
	}()

	if r.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.TaskTimeout)
		defer cancel()
	}

	res, err := h.Handle(ctx, task.Prompt)
	if err != nil {
		return queue.Failed(err)
	}
	return queue.Succeeded(res.Text, res.Artifacts...)
}

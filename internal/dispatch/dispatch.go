// Package dispatch submits the tasks of a Plan to the task queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ashureev/miles/internal/domain"
)

// ErrInvalidPlan is returned for plans with neither a reply nor tasks.
var ErrInvalidPlan = errors.New("invalid plan")

// Result messages.
const (
	MessageQueued    = "Tasks accepted and are being processed."
	MessageDirect    = "Responded directly."
	MessageProcessed = "Request processed."
)

// Submitter is the part of the task queue the dispatcher needs.
type Submitter interface {
	Submit(ctx context.Context, workerName, prompt string) (string, error)
}

// Registry is the fixed set of worker names that can receive tasks.
type Registry map[string]bool

// DefaultRegistry lists the workers deployed with MILES.
func DefaultRegistry() Registry {
	return NewRegistry(domain.Worker3DGenerator, domain.WorkerRAGSearch)
}

// NewRegistry builds a registry from worker names.
func NewRegistry(names ...string) Registry {
	r := make(Registry, len(names))
	for _, n := range names {
		r[n] = true
	}
	return r
}

// Has reports whether name is registered.
func (r Registry) Has(name string) bool { return r[name] }

// Names returns the registered names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Result describes what happened to a plan.
type Result struct {
	Message string
	TaskIDs []string
	// Tasks are the submitted tasks, aligned with TaskIDs.
	Tasks   []domain.Task
	Skipped []string
}

// Queued reports whether any task was submitted.
func (r Result) Queued() bool { return len(r.TaskIDs) > 0 }

// Dispatcher maps plan tasks onto registered workers.
type Dispatcher struct {
	queue    Submitter
	registry Registry
	logger   *slog.Logger
}

// New returns a dispatcher. A nil registry means DefaultRegistry.
func New(queue Submitter, registry Registry, logger *slog.Logger) *Dispatcher {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: queue, registry: registry, logger: logger}
}

// Dispatch submits every registered task in plan order. Unknown workers are
// skipped with a warning. A submit failure aborts the remaining tasks and the
// returned Result still lists the tasks queued before it.
func (d *Dispatcher) Dispatch(ctx context.Context, plan domain.Plan) (Result, error) {
	if err := plan.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}

	res := Result{TaskIDs: []string{}}
	for _, task := range plan.Tasks {
		if !d.registry.Has(task.WorkerName) {
			d.logger.Warn("skipping task for unknown worker", "worker", task.WorkerName)
			res.Skipped = append(res.Skipped, task.WorkerName)
			continue
		}
		id, err := d.queue.Submit(ctx, task.WorkerName, task.Prompt)
		if err != nil {
			return res, fmt.Errorf("submit %s task: %w", task.WorkerName, err)
		}
		d.logger.Info("task submitted", "task_id", id, "worker", task.WorkerName)
		res.TaskIDs = append(res.TaskIDs, id)
		res.Tasks = append(res.Tasks, task)
	}

	switch {
	case res.Queued():
		res.Message = MessageQueued
	case plan.HasDirect():
		res.Message = MessageDirect
	default:
		res.Message = MessageProcessed
	}
	return res, nil
}

// Package api provides the HTTP handlers for the MILES orchestrator.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/miles/internal/config"
	"github.com/ashureev/miles/internal/dispatch"
	"github.com/ashureev/miles/internal/domain"
)

const defaultMaxBodyBytes = 64 << 10

// Decomposer turns a prompt into a plan.
type Decomposer interface {
	Decompose(ctx context.Context, prompt string) domain.Plan
	Name() string
}

// Dispatcher submits plan tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, plan domain.Plan) (dispatch.Result, error)
}

// TaskStore is the read side of the task queue.
type TaskStore interface {
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)
	Ping(ctx context.Context) error
}

// Conversation exposes the stored turns.
type Conversation interface {
	Turns() []domain.ConversationTurn
}

// Artifacts manages session files.
type Artifacts interface {
	RegisterFile(path string, isTemporary bool)
	SavePermanently(filename string) (string, error)
	CleanupSession() int
	ModelsDir() string
}

// WorkerHealth reports the serving status of the worker process.
type WorkerHealth interface {
	Check(ctx context.Context) (string, error)
}

// Deps are the collaborators of Handler. WorkerHealth is optional.
type Deps struct {
	Brain        Decomposer
	Dispatcher   Dispatcher
	Tasks        TaskStore
	Conversation Conversation
	Artifacts    Artifacts
	WorkerHealth WorkerHealth
	Logger       *slog.Logger
}

// Handler serves the orchestrator API.
type Handler struct {
	brain        Decomposer
	dispatcher   Dispatcher
	tasks        TaskStore
	conversation Conversation
	artifacts    Artifacts
	workerHealth WorkerHealth
	logger       *slog.Logger

	stream           config.StreamConfig
	decomposeTimeout time.Duration
	healthTimeout    time.Duration
	maxBodyBytes     int64
}

// NewHandler creates a Handler. cfg may be nil in tests.
func NewHandler(deps Deps, cfg *config.Config) *Handler {
	h := &Handler{
		brain:        deps.Brain,
		dispatcher:   deps.Dispatcher,
		tasks:        deps.Tasks,
		conversation: deps.Conversation,
		artifacts:    deps.Artifacts,
		workerHealth: deps.WorkerHealth,
		logger:       deps.Logger,

		stream:           config.StreamConfig{PollInterval: time.Second, Timeout: 10 * time.Minute, RetryDelay: 5 * time.Second},
		decomposeTimeout: 60 * time.Second,
		healthTimeout:    2 * time.Second,
		maxBodyBytes:     defaultMaxBodyBytes,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if cfg != nil {
		if cfg.Stream.PollInterval > 0 {
			h.stream.PollInterval = cfg.Stream.PollInterval
		}
		if cfg.Stream.Timeout > 0 {
			h.stream.Timeout = cfg.Stream.Timeout
		}
		if cfg.Stream.RetryDelay > 0 {
			h.stream.RetryDelay = cfg.Stream.RetryDelay
		}
		if cfg.Timeout.Decompose > 0 {
			h.decomposeTimeout = cfg.Timeout.Decompose
		}
		if cfg.Timeout.HealthCheck > 0 {
			h.healthTimeout = cfg.Timeout.HealthCheck
		}
		if cfg.MaxBodyKB > 0 {
			h.maxBodyBytes = cfg.MaxBodyKB << 10
		}
	}
	return h
}

// RegisterRoutes mounts every API route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Root)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/interact", h.Interact)
		r.Get("/tasks/{taskID}", h.GetTask)
		r.Get("/stream/{taskID}", h.StreamTask)
		r.Get("/history", h.GetHistory)
		r.Post("/models/{filename}/save", h.SaveModel)
		r.Post("/session/cleanup", h.CleanupSession)
		r.Get("/health", h.Health)
	})
	if h.artifacts != nil {
		fs := http.StripPrefix("/models/", http.FileServer(http.Dir(h.artifacts.ModelsDir())))
		r.Handle("/models/*", fs)
	}
}

// Root confirms the orchestrator is up.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"message": "MILES Orchestrator is running."})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

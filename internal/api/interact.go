package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/miles/internal/dispatch"
	"github.com/ashureev/miles/internal/domain"
	"github.com/ashureev/miles/internal/responder"
)

// InteractRequest is the body of POST /api/v1/interact.
type InteractRequest struct {
	Prompt string `json:"prompt"`
}

// QueuedTask pairs a submitted task with its queue identifier.
type QueuedTask struct {
	TaskID     string `json:"task_id"`
	WorkerName string `json:"worker_name"`
	Prompt     string `json:"prompt"`
}

// InteractResponse is returned by POST /api/v1/interact.
type InteractResponse struct {
	Message        string       `json:"message"`
	TaskIDs        []string     `json:"task_ids"`
	Queued         []QueuedTask `json:"queued"`
	Plan           domain.Plan  `json:"plan"`
	DirectResponse *string      `json:"direct_response"`
	DeepResearch   bool         `json:"deep_research"`
	Skipped        []string     `json:"skipped"`
}

// DispatchErrorResponse is returned when a submit fails after earlier tasks of
// the same plan were already queued. Those tasks still run.
type DispatchErrorResponse struct {
	Error   string       `json:"error"`
	TaskIDs []string     `json:"task_ids"`
	Queued  []QueuedTask `json:"queued"`
}

// Interact routes a prompt: trivial prompts are answered locally, everything
// else goes through the brain and the dispatcher. Responds 202 when tasks
// were queued and 200 otherwise.
func (h *Handler) Interact(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req InteractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	deep := responder.NeedsDeepResearch(req.Prompt)
	log := h.logger.With("request_id", reqID)
	log.Info("interaction received", "prompt_len", len(req.Prompt), "deep_research", deep)

	plan, source := h.plan(r.Context(), req.Prompt)
	log.Info("plan generated", "source", source, "tasks", len(plan.Tasks), "direct", plan.HasDirect())

	res, err := h.dispatcher.Dispatch(r.Context(), plan)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidPlan) {
			Error(w, http.StatusBadRequest, "Orchestrator could not generate a valid response.")
			return
		}
		log.Error("dispatch failed", "error", err, "queued", len(res.TaskIDs))
		if !res.Queued() {
			Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		JSON(w, http.StatusInternalServerError, DispatchErrorResponse{
			Error:   err.Error(),
			TaskIDs: res.TaskIDs,
			Queued:  queuedTasks(res),
		})
		return
	}
	if len(res.Skipped) > 0 {
		log.Warn("plan referenced unknown workers", "skipped", res.Skipped)
	}

	skipped := res.Skipped
	if skipped == nil {
		skipped = []string{}
	}
	status := http.StatusOK
	if res.Queued() {
		status = http.StatusAccepted
	}
	JSON(w, status, InteractResponse{
		Message:        res.Message,
		TaskIDs:        res.TaskIDs,
		Queued:         queuedTasks(res),
		Plan:           plan,
		DirectResponse: plan.DirectResponse,
		DeepResearch:   deep,
		Skipped:        skipped,
	})
}

func queuedTasks(res dispatch.Result) []QueuedTask {
	queued := make([]QueuedTask, 0, len(res.TaskIDs))
	for i, id := range res.TaskIDs {
		queued = append(queued, QueuedTask{TaskID: id, WorkerName: res.Tasks[i].WorkerName, Prompt: res.Tasks[i].Prompt})
	}
	return queued
}

// plan short-circuits trivial prompts before calling the brain. Shortcut
// replies are not written to the conversation history.
func (h *Handler) plan(ctx context.Context, prompt string) (domain.Plan, string) {
	if reply, ok := responder.Answer(prompt); ok {
		return domain.DirectPlan(reply), "responder"
	}
	ctx, cancel := context.WithTimeout(ctx, h.decomposeTimeout)
	defer cancel()
	return h.brain.Decompose(ctx, strings.TrimSpace(prompt)), h.brain.Name()
}

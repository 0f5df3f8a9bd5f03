package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/miles/internal/domain"
	"github.com/ashureev/miles/internal/memory"
)

// GetHistory returns the stored conversation.
func (h *Handler) GetHistory(w http.ResponseWriter, _ *http.Request) {
	turns := h.conversation.Turns()
	if turns == nil {
		turns = []domain.ConversationTurn{}
	}
	JSON(w, http.StatusOK, map[string]any{"history": turns})
}

// SaveModel promotes a session artifact into the models directory.
func (h *Handler) SaveModel(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	path, err := h.artifacts.SavePermanently(filename)
	if err != nil {
		if errors.Is(err, memory.ErrArtifactNotFound) {
			Error(w, http.StatusNotFound, "artifact not found")
			return
		}
		h.logger.Error("failed to save artifact", "filename", filename, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save artifact")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"path": path})
}

// CleanupSession deletes the session's temporary files.
func (h *Handler) CleanupSession(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]int{"removed": h.artifacts.CleanupSession()})
}

// Health reports queue reachability, the active brain and, when configured,
// the worker's gRPC health status. Responds 503 while the queue is down.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	resp := map[string]any{
		"status": "healthy",
		"brain":  h.brain.Name(),
		"queue":  "ok",
	}
	status := http.StatusOK
	if err := h.tasks.Ping(ctx); err != nil {
		h.logger.Warn("queue health check failed", "error", err)
		resp["status"] = "unhealthy"
		resp["queue"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if h.workerHealth != nil {
		ws, err := h.workerHealth.Check(ctx)
		if err != nil {
			ws = "UNREACHABLE"
		}
		resp["worker"] = ws
	}
	JSON(w, status, resp)
}

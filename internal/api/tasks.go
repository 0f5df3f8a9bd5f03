package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/miles/internal/domain"
)

// TaskStatusResponse describes a task for polling and streaming clients.
type TaskStatusResponse struct {
	TaskID     string            `json:"task_id"`
	Status     domain.TaskStatus `json:"status"`
	Successful bool              `json:"successful"`
	Result     *string           `json:"result,omitempty"`
}

func statusResponse(rec *domain.TaskRecord) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:     rec.ID,
		Status:     rec.Status,
		Successful: rec.Successful(),
	}
	if rec.Ready() {
		result := rec.Result
		resp.Result = &result
	}
	return resp
}

// GetTask reports the latest status of a task. Unknown IDs report PENDING.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	rec, err := h.tasks.Get(r.Context(), taskID)
	if err != nil {
		h.logger.Error("task lookup failed", "task_id", taskID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read task status")
		return
	}
	h.trackArtifacts(rec)
	JSON(w, http.StatusOK, statusResponse(rec))
}

// StreamTask pushes task progress as server-sent events: a "status" event
// whenever the state changes and a final "complete" event carrying the
// result. The stream ends on completion, timeout or client disconnect.
func (h *Handler) StreamTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.stream.RetryDelay.Milliseconds()); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "task_id", taskID)
		return
	}
	flusher.Flush()

	ctx, cancel := context.WithTimeout(r.Context(), h.stream.Timeout)
	defer cancel()

	ticker := time.NewTicker(h.stream.PollInterval)
	defer ticker.Stop()

	var last domain.TaskStatus
	for {
		rec, err := h.tasks.Get(ctx, taskID)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Error("task lookup failed", "task_id", taskID, "error", err)
				_ = writeSSEJSON(w, "error", map[string]string{"task_id": taskID, "error": "failed to read task status"})
				flusher.Flush()
				return
			}
		} else {
			if rec.Ready() {
				h.trackArtifacts(rec)
				if err := writeSSEJSON(w, "complete", statusResponse(rec)); err != nil {
					h.logger.Warn("failed to write SSE complete event", "error", err, "task_id", taskID)
				}
				flusher.Flush()
				return
			}
			if rec.Status != last {
				last = rec.Status
				if err := writeSSEJSON(w, "status", statusResponse(rec)); err != nil {
					h.logger.Warn("failed to write SSE status event", "error", err, "task_id", taskID)
					return
				}
				flusher.Flush()
			}
		}

		select {
		case <-ctx.Done():
			if r.Context().Err() != nil {
				h.logger.Info("task stream disconnected", "task_id", taskID)
				return
			}
			h.logger.Warn("task stream timed out", "task_id", taskID, "timeout", h.stream.Timeout)
			_ = writeSSEJSON(w, "error", map[string]string{"task_id": taskID, "error": "stream timed out"})
			flusher.Flush()
			return
		case <-ticker.C:
		}
	}
}

// trackArtifacts registers files produced by a finished task with the
// session so they can be saved or cleaned up later.
func (h *Handler) trackArtifacts(rec *domain.TaskRecord) {
	if h.artifacts == nil || !rec.Successful() {
		return
	}
	for _, path := range rec.Artifacts {
		h.artifacts.RegisterFile(path, true)
	}
}

func writeSSEJSON(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeSSE(w, event, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

package domain

import "time"

// TaskStatus mirrors the lifecycle states reported by the task queue.
type TaskStatus string

const (
	StatusPending TaskStatus = "PENDING"
	StatusStarted TaskStatus = "STARTED"
	StatusSuccess TaskStatus = "SUCCESS"
	StatusFailure TaskStatus = "FAILURE"
)

// TaskRecord is the queue-side view of a submitted task.
type TaskRecord struct {
	ID         string     `json:"task_id"`
	WorkerName string     `json:"worker_name"`
	Prompt     string     `json:"prompt"`
	Status     TaskStatus `json:"status"`
	Result     string     `json:"result,omitempty"`
	Artifacts  []string   `json:"artifacts,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Ready returns true once the task reached a terminal state.
func (t *TaskRecord) Ready() bool {
	return t.Status == StatusSuccess || t.Status == StatusFailure
}

// Successful returns true if the task finished without error.
func (t *TaskRecord) Successful() bool {
	return t.Status == StatusSuccess
}

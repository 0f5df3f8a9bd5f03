package domain

import (
	"errors"
	"strings"
)

// Worker names understood by the dispatcher and produced by the brains.
const (
	Worker3DGenerator         = "3D_Generator"
	WorkerRAGSearch           = "RAG_Search"
	WorkerHologramManipulator = "Hologram_Manipulator"
)

// ErrEmptyPlan is returned by Plan.Validate when a plan carries neither a
// direct response nor any task.
var ErrEmptyPlan = errors.New("plan has neither direct_response nor tasks")

// Task is a unit of work addressed to a named worker.
type Task struct {
	WorkerName string `json:"worker_name"`
	Prompt     string `json:"prompt"`
}

// Plan is the output of one decomposition call.
type Plan struct {
	DirectResponse *string `json:"direct_response"`
	Tasks          []Task  `json:"tasks"`
	SaveMemory     bool    `json:"save_memory"`
}

// DirectPlan builds a plan that only answers in text.
func DirectPlan(text string) Plan {
	return Plan{DirectResponse: &text, Tasks: []Task{}}
}

// TaskPlan builds a plan that only dispatches tasks.
func TaskPlan(tasks ...Task) Plan {
	return Plan{Tasks: tasks}
}

// Direct returns the direct response text, or "" if none was set.
func (p Plan) Direct() string {
	if p.DirectResponse == nil {
		return ""
	}
	return *p.DirectResponse
}

// HasDirect reports whether the plan carries a non-blank direct response.
func (p Plan) HasDirect() bool {
	return strings.TrimSpace(p.Direct()) != ""
}

// Validate enforces that at least one of direct_response or tasks is set.
func (p Plan) Validate() error {
	if !p.HasDirect() && len(p.Tasks) == 0 {
		return ErrEmptyPlan
	}
	return nil
}

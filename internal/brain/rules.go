package brain

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashureev/miles/internal/domain"
)

// RuleBased maps keyword stems to workers without calling any model.
type RuleBased struct {
	logger *slog.Logger
}

// NewRuleBased returns the offline demo brain.
func NewRuleBased(logger *slog.Logger) *RuleBased {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleBased{logger: logger}
}

// Name identifies the variant.
func (*RuleBased) Name() string { return "rule-based" }

// Decompose always returns at least one task and never a direct response.
func (r *RuleBased) Decompose(_ context.Context, prompt string) domain.Plan {
	lower := strings.ToLower(prompt)

	var tasks []domain.Task
	if anyPhrase(lower, ruleSearchStems) {
		tasks = append(tasks, domain.Task{WorkerName: domain.WorkerRAGSearch, Prompt: prompt})
	}
	if anyPhrase(lower, ruleHologramStems) {
		tasks = append(tasks, domain.Task{WorkerName: domain.WorkerHologramManipulator, Prompt: hologramPrompt})
	}
	if len(tasks) == 0 {
		tasks = append(tasks, domain.Task{WorkerName: domain.WorkerRAGSearch, Prompt: prompt})
	}

	r.logger.Debug("rule-based plan", "tasks", len(tasks))
	return domain.TaskPlan(tasks...)
}

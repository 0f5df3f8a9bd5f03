package brain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/miles/internal/domain"
)

// ParsePlan decodes model output into a Plan. Markdown code fences are
// stripped first and a missing tasks field defaults to empty.
func ParsePlan(text string) (domain.Plan, error) {
	raw := strings.TrimSpace(text)
	raw = strings.ReplaceAll(raw, "```json", "")
	raw = strings.ReplaceAll(raw, "```", "")
	raw = strings.TrimSpace(raw)

	var plan domain.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return domain.Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if plan.Tasks == nil {
		plan.Tasks = []domain.Task{}
	}
	tasks := plan.Tasks[:0]
	for _, t := range plan.Tasks {
		if strings.TrimSpace(t.WorkerName) == "" {
			continue
		}
		tasks = append(tasks, t)
	}
	plan.Tasks = tasks
	if err := plan.Validate(); err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

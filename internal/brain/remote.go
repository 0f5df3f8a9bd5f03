package brain

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashureev/miles/internal/domain"
)

// Remote is the Gemini-backed decomposer. It runs two keyword pre-flight
// checks before falling back to a structured JSON planning call.
type Remote struct {
	guard     *Guard
	history   History
	artifacts ArtifactSaver
	logger    *slog.Logger
}

// NewRemote wires a remote decomposer around guard.
func NewRemote(guard *Guard, deps Deps) *Remote {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{guard: guard, history: deps.History, artifacts: deps.Artifacts, logger: logger}
}

// Name identifies the variant.
func (*Remote) Name() string { return "gemini" }

// Decompose records the prompt, then routes it to 3D generation, plain chat
// or the JSON planner.
func (r *Remote) Decompose(ctx context.Context, prompt string) domain.Plan {
	history := r.history.History()
	r.record(domain.RoleUser, prompt)

	// Creation is checked before search. Prompts matching both keyword sets
	// ("find a way to make it red") go to 3D generation; this tie-break is
	// fragile and may need an explicit precedence rule.
	if isCreationIntent(prompt) {
		return r.create(ctx, prompt, history)
	}
	if !isSearchIntent(prompt) {
		return r.chat(ctx, prompt, history)
	}
	return r.plan(ctx, prompt, history)
}

func (r *Remote) create(ctx context.Context, prompt string, history []domain.HistoryMessage) domain.Plan {
	desc := prompt
	out, err := r.guard.Generate(ctx, GenerateRequest{
		System:  rewriteSystemPrompt,
		History: history,
		Prompt:  prompt,
	})
	if err != nil {
		r.logger.Warn("description rewrite failed, using prompt verbatim", "error", err)
	} else if cleaned := cleanDescription(out); cleaned != "" {
		desc = cleaned
	}

	r.logger.Info("creation intent detected", "description", desc)
	reply := generatingPrefix + desc
	r.record(domain.RoleModel, reply)
	return domain.Plan{
		DirectResponse: &reply,
		Tasks:          []domain.Task{{WorkerName: domain.Worker3DGenerator, Prompt: desc}},
	}
}

func (r *Remote) chat(ctx context.Context, prompt string, history []domain.HistoryMessage) domain.Plan {
	reply, err := r.guard.Generate(ctx, GenerateRequest{
		System:  chatSystemPrompt,
		History: history,
		Prompt:  prompt,
	})
	if err != nil {
		r.logger.Error("direct chat failed", "error", err)
		return domain.DirectPlan(chatFailureReply)
	}
	if strings.TrimSpace(reply) == "" {
		r.logger.Warn("direct chat returned a blank reply")
		return domain.DirectPlan(chatFailureReply)
	}
	r.record(domain.RoleModel, reply)
	return domain.DirectPlan(reply)
}

func (r *Remote) plan(ctx context.Context, prompt string, history []domain.HistoryMessage) domain.Plan {
	out, err := r.guard.Generate(ctx, GenerateRequest{
		System:  plannerSystemPrompt,
		History: history,
		Prompt:  "User Request: " + prompt + jsonReminder,
		JSON:    true,
	})
	if err != nil {
		r.logger.Error("planner call failed", "error", err)
		return domain.DirectPlan(plannerFailureText)
	}

	plan, err := ParsePlan(out)
	if err != nil {
		r.logger.Warn("planner returned an unusable plan", "error", err, "raw", out)
		return domain.DirectPlan(plannerFailureText)
	}

	if plan.HasDirect() {
		r.record(domain.RoleModel, plan.Direct())
	}
	if plan.SaveMemory {
		r.saveLatest()
	}
	return plan
}

func (r *Remote) saveLatest() {
	if r.artifacts == nil {
		return
	}
	latest, ok := r.artifacts.Latest()
	if !ok {
		r.logger.Info("save requested but no session artifact is tracked")
		return
	}
	path, err := r.artifacts.SavePermanently(latest.Name())
	if err != nil {
		r.logger.Warn("failed to save artifact", "path", latest.Path, "error", err)
		return
	}
	r.record(domain.RoleModel, savedModelPrefix+path)
}

func (r *Remote) record(role domain.Role, content string) {
	if err := r.history.AddMessage(role, content); err != nil {
		r.logger.Warn("failed to persist conversation turn", "role", role, "error", err)
	}
}

// cleanDescription strips the quoting and trailing punctuation models like to add.
func cleanDescription(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'` ")
	return strings.TrimRight(s, ". ")
}

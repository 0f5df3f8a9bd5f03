// Package brain turns a user prompt into a Plan: a direct reply, worker tasks
// or both. The backend is chosen once at startup from BRAIN_MODE.
package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/miles/internal/config"
	"github.com/ashureev/miles/internal/domain"
)

// Decomposer produces a Plan for a prompt. Decompose never fails: every
// error path resolves to a Plan carrying an apologetic direct response or a
// fallback task.
type Decomposer interface {
	Decompose(ctx context.Context, prompt string) domain.Plan
	Name() string
}

// History is the conversation memory a decomposer reads and appends to.
type History interface {
	History() []domain.HistoryMessage
	AddMessage(role domain.Role, content string) error
}

// ArtifactSaver promotes the latest session artifact when a plan asks for it.
type ArtifactSaver interface {
	Latest() (domain.Artifact, bool)
	SavePermanently(filename string) (string, error)
}

// Deps are the collaborators shared by every decomposer variant.
type Deps struct {
	History    History
	Artifacts  ArtifactSaver
	Logger     *slog.Logger
	HTTPClient *http.Client
	// Factory overrides how remote models are built. Defaults to Gemini.
	Factory ModelFactory
}

// New builds the decomposer selected by cfg.BrainMode. A GEMINI brain with no
// usable key yields a decomposer that only reports the misconfiguration.
func New(cfg *config.Config, deps Deps) (Decomposer, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.History == nil {
		return nil, fmt.Errorf("brain: conversation history is required")
	}

	switch cfg.BrainMode {
	case config.BrainGemini:
		guard, err := NewGeminiGuard(cfg.Gemini, deps.Factory, deps.Logger)
		if errors.Is(err, ErrNoCredentials) {
			deps.Logger.Error("no valid Gemini API keys, remote brain unavailable")
			return Unavailable(unavailableReply), nil
		}
		if err != nil {
			return nil, err
		}
		deps.Logger.Info("remote brain online", "model", cfg.Gemini.Model, "keys", guard.PoolSize())
		return NewRemote(guard, deps), nil

	case config.BrainLocal:
		httpClient := deps.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: 120 * time.Second}
		}
		deps.Logger.Info("local brain online", "url", cfg.Local.URL, "model", cfg.Local.Model)
		return NewLocal(cfg.Local.URL, cfg.Local.Model, httpClient, deps), nil

	case config.BrainDemo:
		deps.Logger.Info("rule-based brain online")
		return NewRuleBased(deps.Logger), nil
	}
	return nil, fmt.Errorf("brain: unknown mode %q", cfg.BrainMode)
}

// NewGeminiGuard builds the rotating guard over the configured Gemini keys.
// A nil factory builds Gemini models.
func NewGeminiGuard(cfg config.GeminiConfig, factory ModelFactory, logger *slog.Logger) (*Guard, error) {
	pool, err := NewCredentialPool(cfg.APIKeys...)
	if err != nil {
		return nil, err
	}
	if factory == nil {
		factory = GeminiFactory(cfg.Model)
	}
	return NewGuard(pool, RateLimitPolicy(pool.Len(), cfg.RotationCooldown), factory, logger), nil
}

// unavailable answers every prompt with a fixed configuration error.
type unavailable struct {
	message string
}

// Unavailable returns a decomposer that always replies with message.
func Unavailable(message string) Decomposer {
	return unavailable{message: message}
}

func (u unavailable) Decompose(context.Context, string) domain.Plan {
	return domain.DirectPlan(u.message)
}

func (unavailable) Name() string { return "unavailable" }

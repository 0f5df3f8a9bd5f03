package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/miles/internal/domain"
)

// Local plans with an Ollama model over its HTTP chat API.
type Local struct {
	baseURL    string
	model      string
	httpClient *http.Client
	history    History
	logger     *slog.Logger
}

// NewLocal returns a decomposer talking to the Ollama server at baseURL.
func NewLocal(baseURL, model string, httpClient *http.Client, deps Deps) *Local {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Local{baseURL: baseURL, model: model, httpClient: httpClient, history: deps.History, logger: logger}
}

// Name identifies the variant.
func (*Local) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Format   string          `json:"format"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

// Decompose asks the local model for a JSON plan. Any failure falls back to
// researching the raw prompt.
func (l *Local) Decompose(ctx context.Context, prompt string) domain.Plan {
	history := l.history.History()
	if err := l.history.AddMessage(domain.RoleUser, prompt); err != nil {
		l.logger.Warn("failed to persist conversation turn", "error", err)
	}

	plan, err := l.requestPlan(ctx, prompt, history)
	if err != nil {
		l.logger.Warn("local brain failed, falling back to search", "error", err)
		return domain.TaskPlan(domain.Task{WorkerName: domain.WorkerRAGSearch, Prompt: prompt})
	}
	if plan.HasDirect() {
		if err := l.history.AddMessage(domain.RoleModel, plan.Direct()); err != nil {
			l.logger.Warn("failed to persist conversation turn", "error", err)
		}
	}
	return plan
}

func (l *Local) requestPlan(ctx context.Context, prompt string, history []domain.HistoryMessage) (domain.Plan, error) {
	messages := make([]ollamaMessage, 0, len(history)+2)
	messages = append(messages, ollamaMessage{Role: "system", Content: localSystemPrompt})
	for _, m := range history {
		role := "user"
		if m.Role == domain.RoleModel {
			role = "assistant"
		}
		messages = append(messages, ollamaMessage{Role: role, Content: m.Text()})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(ollamaChatRequest{Model: l.model, Messages: messages, Format: "json"})
	if err != nil {
		return domain.Plan{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return domain.Plan{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.Plan{}, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(b))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Plan{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return ParsePlan(out.Message.Content)
}

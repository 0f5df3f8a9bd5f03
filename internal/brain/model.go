package brain

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/ashureev/miles/internal/domain"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// GenerateRequest is one prompt sent to a language model.
type GenerateRequest struct {
	System  string
	History []domain.HistoryMessage
	Prompt  string
	// JSON asks the backend to constrain output to valid JSON.
	JSON bool
}

// Model generates text for a request.
type Model interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// ModelFactory builds a Model bound to one API key.
type ModelFactory func(ctx context.Context, apiKey string) (Model, error)

// GeminiModel calls the Gemini API through google.golang.org/genai.
type GeminiModel struct {
	client *genai.Client
	model  string
}

// NewGeminiModel creates a client for apiKey.
func NewGeminiModel(ctx context.Context, apiKey, model string) (*GeminiModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiModel{client: client, model: model}, nil
}

// GeminiFactory returns a ModelFactory producing GeminiModels for model.
func GeminiFactory(model string) ModelFactory {
	return func(ctx context.Context, apiKey string) (Model, error) {
		return NewGeminiModel(ctx, apiKey, model)
	}
}

// Generate sends history followed by the prompt as a single request.
func (g *GeminiModel) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.Role(genai.RoleUser)
		if m.Role == domain.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text(), role))
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/miles/internal/brain"
	"github.com/ashureev/miles/internal/search"
)

// MissingSearchKeyReply is the task result when no Tavily key is configured.
const MissingSearchKeyReply = "Error: Please set TAVILY_API_KEY to enable web research."

const queryPrompt = `Extract a specific, effective search query from this user request.
Return ONLY the query, nothing else.
User Request: "%s"`

const synthesisPrompt = `You are an expert research assistant.
Based on the following search results, write a comprehensive and well-structured answer to the user's original request.

**User Request:** "%s"

**Search Results:**
%s

**Instructions:**
- Synthesize the information into a coherent report.
- Use markdown formatting (headers, bullet points).
- Cite sources where appropriate (e.g., "[Source Name]").
- If the results don't fully answer the request, state what is missing.
- Be professional and concise.`

// Generator is the LLM access the research handler needs. *brain.Guard
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, req brain.GenerateRequest) (string, error)
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// ResearchHandler refines the request into a query, searches the web and
// writes a sourced markdown report.
type ResearchHandler struct {
	llm      Generator
	searcher Searcher
	logger   *slog.Logger
}

// NewResearchHandler builds the RAG_Search handler. A nil searcher makes every
// task report the missing key. A nil llm skips query refinement and returns
// the raw results as a list.
func NewResearchHandler(llm Generator, searcher Searcher, logger *slog.Logger) *ResearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResearchHandler{llm: llm, searcher: searcher, logger: logger}
}

// Handle implements Handler.
func (h *ResearchHandler) Handle(ctx context.Context, prompt string) (Result, error) {
	if h.searcher == nil {
		return Result{Text: MissingSearchKeyReply}, nil
	}

	query := h.refineQuery(ctx, prompt)
	h.logger.Info("research query refined", "query", query)

	results, err := h.searcher.Search(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("research search: %w", err)
	}
	if len(results) == 0 {
		return Result{Text: fmt.Sprintf("I couldn't find any results for '%s'.", query)}, nil
	}

	if h.llm == nil {
		return Result{Text: listResults(query, results)}, nil
	}
	report, err := h.llm.Generate(ctx, brain.GenerateRequest{
		Prompt: fmt.Sprintf(synthesisPrompt, prompt, sourcesText(results)),
	})
	if err != nil {
		return Result{}, fmt.Errorf("research synthesis: %w", err)
	}
	report = strings.TrimSpace(report)
	h.logger.Info("research report generated", "chars", len(report), "sources", len(results))
	return Result{Text: report}, nil
}

// refineQuery falls back to the prompt itself when the model is unavailable.
func (h *ResearchHandler) refineQuery(ctx context.Context, prompt string) string {
	if h.llm == nil {
		return prompt
	}
	out, err := h.llm.Generate(ctx, brain.GenerateRequest{Prompt: fmt.Sprintf(queryPrompt, prompt)})
	if err != nil {
		h.logger.Warn("query refinement failed, searching raw prompt", "error", err)
		return prompt
	}
	q := strings.Trim(strings.TrimSpace(out), `"'`)
	if q == "" {
		return prompt
	}
	return q
}

func sourcesText(results []search.Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		title := r.Title
		if title == "" {
			title = "Unknown"
		}
		url := r.URL
		if url == "" {
			url = "Unknown"
		}
		parts = append(parts, fmt.Sprintf("Source: %s\nURL: %s\nContent: %s", title, url, r.Content))
	}
	return strings.Join(parts, "\n\n")
}

func listResults(query string, results []search.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Results for %s\n\n", query)
	for _, r := range results {
		fmt.Fprintf(&b, "- [%s](%s): %s\n", r.Title, r.URL, r.Content)
	}
	return b.String()
}

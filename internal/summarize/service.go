package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/llm"
	"github.com/TobiSchelling/newsposter/internal/news"
)

const (
	llmTimeout       = 30 * time.Second
	maxPromptChars   = 6000
	tokensPerSummary = 200
)

// Service summarizes articles with an LLM when one is available and falls
// back to the extractive method otherwise. The result never exceeds the
// configured length.
type Service struct {
	provider   llm.Provider
	extractive Extractive
	maxChars   int
}

// NewService creates a summarizer. A nil provider means extractive only.
func NewService(provider llm.Provider, cfg config.Summarization) *Service {
	return &Service{
		provider:   provider,
		extractive: Extractive{MaxSentences: cfg.MaxSentences},
		maxChars:   cfg.MaxChars,
	}
}

// Summarize returns the summary for a, preferring the LLM. An LLM failure
// falls back to the extractive method; only a cancelled ctx is an error.
func (s *Service) Summarize(ctx context.Context, a news.Article) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(a.Description) == "" {
		return "", nil
	}
	if s.provider != nil {
		summary, err := s.generate(ctx, a)
		if err == nil {
			return summary, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		slog.Debug("llm summary failed, using extractive", "link", a.Link, "err", err)
	}
	return s.extractive.Summarize(a.Description, s.maxChars), nil
}

func (s *Service) generate(ctx context.Context, a news.Article) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	out, err := s.provider.Generate(ctx, buildPrompt(a, s.maxChars), tokensPerSummary)
	if err != nil {
		return "", err
	}

	var reply struct {
		Summary string `json:"summary"`
	}
	if err := llm.ParseJSONResponse(out, &reply); err != nil {
		return "", fmt.Errorf("parsing reply: %w", err)
	}
	summary := strings.Join(strings.Fields(reply.Summary), " ")
	if summary == "" {
		return "", llm.ErrEmptyResponse
	}
	return truncate(summary, s.maxChars), nil
}

func buildPrompt(a news.Article, maxChars int) string {
	body := a.Description
	if r := []rune(body); len(r) > maxPromptChars {
		body = string(r[:maxPromptChars])
	}
	return fmt.Sprintf(`Summarize this news article for a chat digest in one or two plain sentences, at most %d characters. No markdown, no emoji, no preamble.

Title: %s
Source: %s

%s

Respond with JSON only: {"summary": "..."}`, maxChars, a.Title, a.SourceName, body)
}

package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
)

// Summarizer produces the derived summary of a note.
type Summarizer interface {
	Summarize(ctx context.Context, title, content string) (string, error)
}

// Embedder produces the derived embedding of a note.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const defaultSummaryPrompt = `Summarize the following note in one or two sentences.
Reply with the summary only.

Title: %s

%s`

// LLMSummarizer asks a language model for a short summary.
type LLMSummarizer struct {
	Model     llms.Model
	MaxTokens int
	Prompt    string
}

func (s *LLMSummarizer) Summarize(ctx context.Context, title, content string) (string, error) {
	if s == nil || s.Model == nil {
		return "", errors.New("summarizer model is not configured")
	}
	prompt := s.Prompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 120
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, s.Model, fmt.Sprintf(prompt, title, content),
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(0.2),
	)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("model returned an empty summary")
	}
	return out, nil
}

// LLMEmbedder adapts a langchaingo embedder.
type LLMEmbedder struct {
	Embedder embeddings.Embedder
}

func (e *LLMEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e == nil || e.Embedder == nil {
		return nil, errors.New("embedder is not configured")
	}
	vec, err := e.Embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, errors.New("embedder returned an empty vector")
	}
	return vec, nil
}

// ExtractiveSummarizer returns the first sentence of the content, falling
// back to the title. It needs no network access.
type ExtractiveSummarizer struct {
	MaxLength int
}

func (s ExtractiveSummarizer) Summarize(ctx context.Context, title, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	maxLen := s.MaxLength
	if maxLen <= 0 {
		maxLen = 160
	}
	text := strings.Join(strings.Fields(content), " ")
	if text == "" {
		text = strings.TrimSpace(title)
	}
	if text == "" {
		return "", errors.New("nothing to summarize")
	}
	if end := strings.IndexAny(text, ".!?"); end >= 0 {
		text = text[:end+1]
	}
	if utf8.RuneCountInString(text) > maxLen {
		runes := []rune(text)
		cut := strings.TrimRightFunc(string(runes[:maxLen]), unicode.IsSpace)
		text = cut + "…"
	}
	return text, nil
}

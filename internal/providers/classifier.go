package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackzampolin/snapshelf/internal/locator"
	"github.com/jackzampolin/snapshelf/internal/prompts"
	"github.com/jackzampolin/snapshelf/internal/prompts/classify"
	"github.com/jackzampolin/snapshelf/internal/prompts/reformat"
)

const (
	classifyTemperature = 0.0
	formatTemperature   = 0.2
)

// PageClassifier implements locator.Classifier with a chat model.
type PageClassifier struct {
	llm     LLMClient
	prompts *prompts.Resolver
	model   string
	format  *ResponseFormat
	logger  *slog.Logger
}

// NewPageClassifier creates a classifier that calls model through llm.
func NewPageClassifier(llm LLMClient, resolver *prompts.Resolver, model string, logger *slog.Logger) (*PageClassifier, error) {
	rf, err := NewResponseFormat(classify.SchemaName, classify.Schema)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PageClassifier{
		llm:     llm,
		prompts: resolver,
		model:   model,
		format:  rf,
		logger:  logger.With("component", "page_classifier"),
	}, nil
}

// Classify labels sample, taken from page unit ordinal, as CONTENT or
// FRONTMATTER.
func (c *PageClassifier) Classify(ctx context.Context, sample string, ordinal int, fiction bool) (locator.Label, error) {
	system, err := c.prompts.Render(classify.SystemPromptKey, nil)
	if err != nil {
		return "", err
	}
	user, err := c.prompts.Render(classify.UserPromptKey, classify.NewUserPromptData(sample, ordinal, fiction))
	if err != nil {
		return "", err
	}

	res, err := c.llm.Chat(ctx, &ChatRequest{
		Model:       c.model,
		Temperature: classifyTemperature,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: c.format,
	})
	if err != nil {
		return "", fmt.Errorf("page classification failed: %w", err)
	}

	var out struct {
		Classification string `json:"classification"`
	}
	if err := json.Unmarshal(res.ParsedJSON, &out); err != nil {
		return "", fmt.Errorf("failed to decode classification: %w", err)
	}
	label := locator.Label(strings.ToUpper(strings.TrimSpace(out.Classification)))
	switch label {
	case locator.LabelContent, locator.LabelFrontmatter:
	default:
		return "", fmt.Errorf("unexpected classification %q", out.Classification)
	}
	c.logger.Debug("page classified", "ordinal", ordinal, "fiction", fiction, "label", label)
	return label, nil
}

// PageFormatter implements locator.Formatter with a chat model.
type PageFormatter struct {
	llm     LLMClient
	prompts *prompts.Resolver
	model   string
	format  *ResponseFormat
}

// NewPageFormatter creates a formatter that calls model through llm.
func NewPageFormatter(llm LLMClient, resolver *prompts.Resolver, model string) (*PageFormatter, error) {
	rf, err := NewResponseFormat(reformat.SchemaName, reformat.Schema)
	if err != nil {
		return nil, err
	}
	return &PageFormatter{llm: llm, prompts: resolver, model: model, format: rf}, nil
}

// Format tidies raw page text for display without changing its words.
func (f *PageFormatter) Format(ctx context.Context, raw string) (string, error) {
	system, err := f.prompts.Render(reformat.SystemPromptKey, nil)
	if err != nil {
		return "", err
	}
	user, err := f.prompts.Render(reformat.UserPromptKey, reformat.UserPromptData{Text: raw})
	if err != nil {
		return "", err
	}

	res, err := f.llm.Chat(ctx, &ChatRequest{
		Model:       f.model,
		Temperature: formatTemperature,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: f.format,
	})
	if err != nil {
		return "", fmt.Errorf("reformat failed: %w", err)
	}

	var out struct {
		FormattedText string `json:"formatted_text"`
	}
	if err := json.Unmarshal(res.ParsedJSON, &out); err != nil {
		return "", fmt.Errorf("failed to decode formatted text: %w", err)
	}
	return out.FormattedText, nil
}

var (
	_ locator.Classifier = (*PageClassifier)(nil)
	_ locator.Formatter  = (*PageFormatter)(nil)
)

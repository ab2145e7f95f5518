package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/snapshelf/internal/pipeline"
	"github.com/jackzampolin/snapshelf/internal/prompts"
	"github.com/jackzampolin/snapshelf/internal/prompts/cover"
)

// CoverAnalyzer implements pipeline.VisionClassifier with a vision model.
type CoverAnalyzer struct {
	llm     LLMClient
	prompts *prompts.Resolver
	model   string
	format  *ResponseFormat
	logger  *slog.Logger
}

// NewCoverAnalyzer creates a cover analyzer that calls model through llm.
func NewCoverAnalyzer(llm LLMClient, resolver *prompts.Resolver, model string, logger *slog.Logger) (*CoverAnalyzer, error) {
	rf, err := NewResponseFormat(cover.SchemaName, cover.Schema)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CoverAnalyzer{
		llm:     llm,
		prompts: resolver,
		model:   model,
		format:  rf,
		logger:  logger.With("component", "cover_analyzer"),
	}, nil
}

// AnalyzeCover asks the model whether img shows a book and what it is.
func (a *CoverAnalyzer) AnalyzeCover(ctx context.Context, img pipeline.CoverImage) (*pipeline.CoverAnalysis, error) {
	if len(img.Data) == 0 {
		return nil, errors.New("cover image is empty")
	}
	system, err := a.prompts.Render(cover.SystemPromptKey, nil)
	if err != nil {
		return nil, err
	}
	user, err := a.prompts.Render(cover.UserPromptKey, nil)
	if err != nil {
		return nil, err
	}

	res, err := a.llm.Chat(ctx, &ChatRequest{
		Model: a.model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user, Images: []Image{{Data: img.Data, ContentType: img.ContentType}}},
		},
		ResponseFormat: a.format,
	})
	if err != nil {
		return nil, fmt.Errorf("cover analysis failed: %w", err)
	}

	var out pipeline.CoverAnalysis
	if err := json.Unmarshal(res.ParsedJSON, &out); err != nil {
		return nil, fmt.Errorf("failed to decode cover analysis: %w", err)
	}
	out.Raw = res.ParsedJSON

	a.logger.Debug("cover analyzed",
		"url", img.URL,
		"is_book", out.IsBook,
		"confidence", out.Confidence,
		"request_id", res.RequestID)
	return &out, nil
}

var _ pipeline.VisionClassifier = (*CoverAnalyzer)(nil)

package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"
)

const (
	OpenAIName    = "openai"
	OpenAIBaseURL = "https://api.openai.com/v1"
	OpenAIModel   = "gpt-4o-mini"
)

// ErrInvalidStructuredOutput is returned when the model keeps producing
// output that does not match the requested schema.
var ErrInvalidStructuredOutput = errors.New("invalid structured output")

// OpenAIConfig holds configuration for an OpenAI-compatible chat client.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string        // Default model when a request leaves Model empty
	Timeout    time.Duration // Per request
	RateLimit  float64       // Requests per second (0 = unlimited)
	MaxRetries int           // SDK-level retries for 408/429/5xx
	HTTPClient *http.Client
}

// OpenAIClient implements LLMClient against any OpenAI-compatible chat
// completions endpoint.
type OpenAIClient struct {
	client  openai.Client
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = OpenAIModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("provider", OpenAIName),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Chat sends a chat completion request. When req.ResponseFormat is set the
// reply is parsed and validated against the schema, and the model is asked
// to repair invalid output up to maxStructuredRepairAttempts times.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat request has no messages")
	}
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}

	messages, err := toOpenAIMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	rf, err := adaptedResponseFormat(model, req.ResponseFormat)
	if err != nil {
		return nil, err
	}
	if rf != nil {
		params.ResponseFormat = *rf
	}

	result := &ChatResult{
		Provider:  OpenAIName,
		ModelUsed: model,
		RequestID: requestID,
	}

	for attempt := 0; ; attempt++ {
		params.Messages = messages
		result.Attempts = attempt + 1

		content, err := c.complete(ctx, params, timeout, result)
		if err != nil {
			return nil, err
		}
		result.Content = content
		if req.ResponseFormat == nil {
			break
		}

		parsed, issue := parseStructuredJSON(content)
		if issue == nil {
			issue = validateStructuredJSON(req.ResponseFormat.Schema, parsed)
		}
		if issue == nil {
			result.ParsedJSON = parsed
			break
		}
		if attempt >= maxStructuredRepairAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrInvalidStructuredOutput, result.Attempts, issue)
		}
		c.logger.Warn("structured output invalid, requesting repair",
			"request_id", requestID, "model", model, "attempt", result.Attempts, "error", issue)
		messages = append(messages,
			openai.AssistantMessage(content),
			openai.UserMessage(structuredRepairPrompt(req.ResponseFormat.Schema, content, issue)),
		)
	}

	result.ExecutionTime = time.Since(start)
	c.logger.Debug("chat completed",
		"request_id", requestID,
		"model", result.ModelUsed,
		"attempts", result.Attempts,
		"total_tokens", result.TotalTokens,
		"duration", result.ExecutionTime)
	return result, nil
}

// complete performs one rate-limited completion and adds its usage to result.
func (c *OpenAIClient) complete(ctx context.Context, params openai.ChatCompletionNewParams, timeout time.Duration, result *ChatResult) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(callCtx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%s chat error (status %d): %w", OpenAIName, apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("%s chat request failed: %w", OpenAIName, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s chat returned no choices", OpenAIName)
	}

	if resp.Model != "" {
		result.ModelUsed = resp.Model
	}
	result.PromptTokens += int(resp.Usage.PromptTokens)
	result.CompletionTokens += int(resp.Usage.CompletionTokens)
	result.TotalTokens += int(resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(msgs []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		case "user":
			if len(m.Images) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
			if m.Content != "" {
				parts = append(parts, openai.TextContentPart(m.Content))
			}
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    dataURL(img),
					Detail: "high",
				}))
			}
			out = append(out, openai.UserMessage(parts))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func dataURL(img Image) string {
	ct := img.ContentType
	if ct == "" {
		ct = http.DetectContentType(img.Data)
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// Verify interface
var _ LLMClient = (*OpenAIClient)(nil)

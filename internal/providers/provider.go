package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// LLMClient is the interface for chat/completion requests.
type LLMClient interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g., "openai").
	Name() string
}

// OCRProvider reads the text off a single scanned book page.
type OCRProvider interface {
	Name() string
	Recognize(ctx context.Context, image []byte, page int) (*PageOCR, error)
}

// Message represents a chat message.
type Message struct {
	Role    string  `json:"role"` // "system", "user", "assistant"
	Content string  `json:"content"`
	Images  []Image `json:"-"` // For vision models (sent as data URLs)
}

// Image is an inline image attached to a user message.
type Image struct {
	Data        []byte
	ContentType string
}

// ResponseFormat requests structured output matching a JSON schema.
type ResponseFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// NewResponseFormat encodes schema into a ResponseFormat.
func NewResponseFormat(name string, schema map[string]any) (*ResponseFormat, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema %s: %w", name, err)
	}
	return &ResponseFormat{Name: name, Schema: raw}, nil
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	// Required
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	// Generation parameters. Temperature is always sent.
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timeout     time.Duration

	// Structured output
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// Request tracking
	RequestID string `json:"-"`
}

// ChatResult is the complete response from an LLM call.
type ChatResult struct {
	// Response content
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"` // Set when ResponseFormat was requested

	// Token counts, summed over repair attempts
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	ExecutionTime time.Duration `json:"execution_time"`

	// Provider info
	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`

	// Request tracking
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`
}

// PageOCR is the recognized text of one page image.
type PageOCR struct {
	Page int `json:"page"`

	// Markdown is the provider output; Text has illustration references
	// and markup stripped so it reads as prose.
	Markdown string `json:"markdown"`
	Text     string `json:"text"`

	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	CostUSD  float64       `json:"cost_usd"`
	Duration time.Duration `json:"duration"`
}

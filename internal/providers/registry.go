package providers

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jackzampolin/snapshelf/internal/prompts"
	"github.com/jackzampolin/snapshelf/internal/prompts/classify"
	"github.com/jackzampolin/snapshelf/internal/prompts/cover"
	"github.com/jackzampolin/snapshelf/internal/prompts/reformat"
)

// Config defines the providers to instantiate. It mirrors the llm and ocr
// sections of config.Config with API keys already resolved.
type Config struct {
	BaseURL       string
	APIKey        string
	VisionModel   string
	ClassifyModel string
	FormatModel   string
	RateLimit     float64 // Requests per second
	Timeout       time.Duration
	MaxRetries    int

	OCR OCRConfig

	// Prompts maps prompt keys to override text.
	Prompts map[string]string
}

// OCRConfig matches config.OCRCfg with a resolved API key.
type OCRConfig struct {
	Enabled   bool
	APIKey    string
	BaseURL   string
	RateLimit float64
}

// Registry holds the adapters the pipeline calls, all sharing one LLM
// client and one prompt resolver.
type Registry struct {
	LLM        LLMClient
	Prompts    *prompts.Resolver
	Vision     *CoverAnalyzer
	Classifier *PageClassifier
	Formatter  *PageFormatter
	// OCR is nil when OCR is disabled or has no key.
	OCR *MistralOCRClient
}

// NewPromptResolver returns a resolver with every embedded prompt registered.
func NewPromptResolver(logger *slog.Logger) *prompts.Resolver {
	r := prompts.NewResolver(logger)
	cover.RegisterPrompts(r)
	classify.RegisterPrompts(r)
	reformat.RegisterPrompts(r)
	return r
}

// NewRegistryFromConfig creates an OpenAI-compatible client from cfg and
// builds the adapters on top of it.
func NewRegistryFromConfig(cfg Config, logger *slog.Logger) (*Registry, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm.api_key is not set")
	}
	llm := NewOpenAIClient(OpenAIConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.VisionModel,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
		MaxRetries: cfg.MaxRetries,
	}, logger)
	return NewRegistry(llm, cfg, logger)
}

// NewRegistry builds the adapters on top of llm.
func NewRegistry(llm LLMClient, cfg Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver := NewPromptResolver(logger.With("component", "prompts"))
	if len(cfg.Prompts) > 0 {
		resolver.SetOverrides(cfg.Prompts)
	}

	vision, err := NewCoverAnalyzer(llm, resolver, cfg.VisionModel, logger)
	if err != nil {
		return nil, err
	}
	classifier, err := NewPageClassifier(llm, resolver, cfg.ClassifyModel, logger)
	if err != nil {
		return nil, err
	}
	formatter, err := NewPageFormatter(llm, resolver, cfg.FormatModel)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		LLM:        llm,
		Prompts:    resolver,
		Vision:     vision,
		Classifier: classifier,
		Formatter:  formatter,
	}
	if cfg.OCR.Enabled && cfg.OCR.APIKey != "" {
		r.OCR = NewMistralOCRClient(MistralOCRConfig{
			APIKey:    cfg.OCR.APIKey,
			BaseURL:   cfg.OCR.BaseURL,
			RateLimit: cfg.OCR.RateLimit,
		}, logger)
		logger.Info("registered OCR provider", "name", MistralOCRName)
	} else if cfg.OCR.Enabled {
		logger.Warn("OCR enabled but no API key configured, scanned PDFs will have no text")
	}
	logger.Info("registered LLM client", "name", llm.Name(),
		"vision_model", cfg.VisionModel, "classify_model", cfg.ClassifyModel, "format_model", cfg.FormatModel)
	return r, nil
}

// Reload applies prompt overrides from a changed configuration. Model and
// key changes need a restart.
func (r *Registry) Reload(cfg Config) {
	r.Prompts.SetOverrides(cfg.Prompts)
}

package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jackzampolin/snapshelf/internal/bookfile"
)

const (
	MistralOCRName    = "mistral-ocr"
	MistralOCRBaseURL = "https://api.mistral.ai/v1"
	MistralOCRModel   = "mistral-ocr-latest"

	// Billed per page. A rendered book page is always exactly one.
	MistralOCRCostPerPage = 0.001
)

// MistralOCRConfig holds configuration for the Mistral OCR client.
type MistralOCRConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	RateLimit float64 // Requests per second (default: 6.0)
}

// MistralOCRClient recognizes scanned book pages one image at a time.
type MistralOCRClient struct {
	apiKey  string
	baseURL string
	model   string
	limiter *rate.Limiter
	client  *http.Client
	logger  *slog.Logger
}

// NewMistralOCRClient creates a new Mistral OCR client.
func NewMistralOCRClient(cfg MistralOCRConfig, logger *slog.Logger) *MistralOCRClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MistralOCRBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = MistralOCRModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 6.0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MistralOCRClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("provider", MistralOCRName),
	}
}

// Name returns the provider identifier.
func (c *MistralOCRClient) Name() string {
	return MistralOCRName
}

// Recognize sends one page image and returns its text. page is the
// 1-based page number the image was rendered from and is only used for
// reporting.
func (c *MistralOCRClient) Recognize(ctx context.Context, image []byte, page int) (*PageOCR, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("page %d: empty image", page)
	}
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := c.post(ctx, mistralPageRequest{
		Model: c.model,
		Document: mistralImageChunk{
			Type:     "image_url",
			ImageURL: imageDataURL(image),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", page, err)
	}
	// One image in, one page out.
	if len(resp.Pages) != 1 {
		return nil, fmt.Errorf("page %d: expected 1 page in OCR response, got %d", page, len(resp.Pages))
	}
	p := resp.Pages[0]

	billed := 1
	if resp.Usage != nil && resp.Usage.PagesProcessed > 0 {
		billed = resp.Usage.PagesProcessed
	}
	return &PageOCR{
		Page:     page,
		Markdown: p.Markdown,
		Text:     pageProse(p.Markdown),
		Width:    p.Dimensions.Width,
		Height:   p.Dimensions.Height,
		CostUSD:  MistralOCRCostPerPage * float64(billed),
		Duration: time.Since(start),
	}, nil
}

// RecognizePage OCRs one rendered PDF page. It satisfies
// bookfile.PageRecognizer.
func (c *MistralOCRClient) RecognizePage(ctx context.Context, png []byte, page int) (string, error) {
	res, err := c.Recognize(ctx, png, page)
	if err != nil {
		return "", err
	}
	c.logger.Debug("page recognized", "page", page, "chars", len(res.Text), "duration", res.Duration)
	return res.Text, nil
}

func (c *MistralOCRClient) post(ctx context.Context, body mistralPageRequest) (*mistralPageResponse, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/ocr", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp mistralErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("Mistral OCR error (status %d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, fmt.Errorf("Mistral OCR error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out mistralPageResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}

// imageDataURL sniffs the image type so cover JPEGs and rendered PNG
// pages are both labelled correctly.
func imageDataURL(image []byte) string {
	ct := http.DetectContentType(image)
	if !strings.HasPrefix(ct, "image/") {
		ct = "image/png"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(image)
}

var (
	mdImageRef = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdHeading  = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	folioLine  = regexp.MustCompile(`(?m)^[ \t]*\d{1,4}[ \t]*$`)
	blankRuns  = regexp.MustCompile(`\n{3,}`)
)

// pageProse drops illustration references, heading markers and bare page
// numbers from OCR markdown.
func pageProse(md string) string {
	s := mdImageRef.ReplaceAllString(md, "")
	s = mdHeading.ReplaceAllString(s, "")
	s = folioLine.ReplaceAllString(s, "")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

type mistralPageRequest struct {
	Model    string            `json:"model"`
	Document mistralImageChunk `json:"document"`
}

type mistralImageChunk struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

type mistralPageResponse struct {
	Model string            `json:"model"`
	Pages []mistralPageText `json:"pages"`
	Usage *struct {
		PagesProcessed int `json:"pages_processed"`
	} `json:"usage_info,omitempty"`
}

type mistralPageText struct {
	Index      int    `json:"index"`
	Markdown   string `json:"markdown"`
	Dimensions struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"dimensions"`
}

type mistralErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

var (
	_ OCRProvider             = (*MistralOCRClient)(nil)
	_ bookfile.PageRecognizer = (*MistralOCRClient)(nil)
)

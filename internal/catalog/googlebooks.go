package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/snapshelf/internal/pipeline"
)

const (
	GoogleBooksName    = "google_books"
	GoogleBooksBaseURL = "https://www.googleapis.com/books/v1"
)

// GoogleBooksConfig configures the Google Books client.
type GoogleBooksConfig struct {
	BaseURL  string
	APIKey   string // Optional; unauthenticated requests have a low daily quota
	Timeout  time.Duration
	Attempts uint // Tries per search for 429 and 5xx responses
}

// GoogleBooks implements pipeline.BibliographicSearch with the Google Books
// volumes API.
type GoogleBooks struct {
	baseURL  string
	apiKey   string
	attempts uint
	client   *http.Client
	logger   *slog.Logger
}

// NewGoogleBooks creates a Google Books client.
func NewGoogleBooks(cfg GoogleBooksConfig, logger *slog.Logger) *GoogleBooks {
	if cfg.BaseURL == "" {
		cfg.BaseURL = GoogleBooksBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GoogleBooks{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		attempts: cfg.Attempts,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With("component", GoogleBooksName),
	}
}

type volumesResponse struct {
	TotalItems int      `json:"totalItems"`
	Items      []volume `json:"items"`
}

type volume struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Subtitle            string   `json:"subtitle"`
		Authors             []string `json:"authors"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
	} `json:"volumeInfo"`
}

// Search looks up title by author. A nil match means the API returned no
// volumes.
func (g *GoogleBooks) Search(ctx context.Context, title, author string) (*pipeline.BookMatch, error) {
	title, author = strings.TrimSpace(title), strings.TrimSpace(author)
	if title == "" {
		return nil, errors.New("google books: title is required")
	}

	q := title
	if author != "" {
		q += " inauthor:" + author
	}
	params := url.Values{"q": {q}, "printType": {"books"}, "maxResults": {"10"}}
	if g.apiKey != "" {
		params.Set("key", g.apiKey)
	}
	endpoint := g.baseURL + "/volumes?" + params.Encode()

	var resp volumesResponse
	err := retry.Do(
		func() error {
			return g.get(ctx, endpoint, &resp)
		},
		retry.Context(ctx),
		retry.Attempts(g.attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.Temporary()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("google books search: %w", err)
	}

	v := pickVolume(resp.Items, title, author)
	if v == nil {
		g.logger.Info("no volume found", "title", title, "author", author)
		return nil, nil
	}
	match := &pipeline.BookMatch{
		Title:  v.VolumeInfo.Title,
		Author: strings.Join(v.VolumeInfo.Authors, ", "),
		ISBN:   isbn(v),
		Source: GoogleBooksName,
	}
	if match.Author == "" {
		match.Author = author
	}
	g.logger.Debug("volume matched", "volume_id", v.ID, "title", match.Title, "isbn", match.ISBN)
	return match, nil
}

func (g *GoogleBooks) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: g.baseURL + "/volumes", StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// pickVolume prefers a volume whose title and authors both contain the
// query, then one matching either, then the first volume.
func pickVolume(items []volume, title, author string) *volume {
	if len(items) == 0 {
		return nil
	}
	t, a := strings.ToLower(title), strings.ToLower(author)
	titleHit := func(v *volume) bool {
		return strings.Contains(strings.ToLower(v.VolumeInfo.Title), t)
	}
	authorHit := func(v *volume) bool {
		if a == "" {
			return false
		}
		for _, name := range v.VolumeInfo.Authors {
			if strings.Contains(strings.ToLower(name), a) {
				return true
			}
		}
		return false
	}

	var either *volume
	for i := range items {
		v := &items[i]
		th, ah := titleHit(v), authorHit(v)
		if th && ah {
			return v
		}
		if either == nil && (th || ah) {
			either = v
		}
	}
	if either != nil {
		return either
	}
	return &items[0]
}

// isbn returns the ISBN-13 if present, otherwise the ISBN-10.
func isbn(v *volume) string {
	var isbn10 string
	for _, id := range v.VolumeInfo.IndustryIdentifiers {
		switch id.Type {
		case "ISBN_13":
			return id.Identifier
		case "ISBN_10":
			isbn10 = id.Identifier
		}
	}
	return isbn10
}

var _ pipeline.BibliographicSearch = (*GoogleBooks)(nil)

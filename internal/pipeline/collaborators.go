package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// BlobStore persists submitted images.
type BlobStore interface {
	// Put stores data under key and returns a reference URL for it.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
	// Presign returns a time-limited URL a browser can fetch directly.
	Presign(ctx context.Context, url string, ttl time.Duration) (string, error)
}

// CoverImage is the input to cover analysis.
type CoverImage struct {
	URL         string
	Data        []byte
	ContentType string
}

// CoverAnalysis is the vision collaborator's verdict on a cover photo.
// Title, Author and Fiction are nil when the model could not tell.
type CoverAnalysis struct {
	IsBook     bool            `json:"is_book"`
	Confidence float64         `json:"confidence"`
	Title      *string         `json:"title"`
	Author     *string         `json:"author"`
	Fiction    *bool           `json:"fiction"`
	Raw        json.RawMessage `json:"-"`
}

// VisionClassifier reads title and author off a cover.
type VisionClassifier interface {
	AnalyzeCover(ctx context.Context, img CoverImage) (*CoverAnalysis, error)
}

// BookMatch is a canonical catalogue entry.
type BookMatch struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn,omitempty"`
	Source string `json:"source,omitempty"`
}

// BibliographicSearch confirms a title/author pair. A nil match with a nil
// error means nothing matched.
type BibliographicSearch interface {
	Search(ctx context.Context, title, author string) (*BookMatch, error)
}

// Candidate is one downloadable copy offered by the catalogue.
type Candidate struct {
	Format      string `json:"format"`
	SizeBytes   int64  `json:"size_bytes"`
	PageCount   int    `json:"page_count"`
	DownloadRef string `json:"download_ref"`
	Title       string `json:"title,omitempty"`
}

// CatalogueScraper finds and fetches downloadable copies.
type CatalogueScraper interface {
	Search(ctx context.Context, title, authorLastName string) ([]Candidate, error)
	// Download writes the file to destPath and returns the final local path.
	// Transfers larger than maxBytes are abandoned.
	Download(ctx context.Context, downloadRef, destPath string, maxBytes int64) (string, error)
}

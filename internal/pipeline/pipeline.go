// Package pipeline moves an upload from a cover photo to a stored Book
// through five queued stages: ingest, vision, identity, acquisition and
// extraction. Each stage runs behind a Runner that enforces the status
// gate, so duplicate or late task deliveries are harmless.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/snapshelf/internal/bookfile"
	"github.com/jackzampolin/snapshelf/internal/locator"
	"github.com/jackzampolin/snapshelf/internal/queue"
	"github.com/jackzampolin/snapshelf/internal/store"
)

// ErrEmptyImage is returned by Submit for a zero-length image.
var ErrEmptyImage = errors.New("image is empty")

// Config tunes stage behaviour.
type Config struct {
	// ConfidenceThreshold is the vision confidence a cover must exceed.
	ConfidenceThreshold float64

	FictionFormats    []string
	NonfictionFormats []string
	MaxBytes          int64
	DownloadTimeout   time.Duration
	DownloadDir       string
	KeepDownloads     bool

	// SpoolDir holds submitted image bytes until Ingest stores them.
	SpoolDir string

	Locator locator.Config
}

// DefaultConfig returns the stock stage settings. Directories are left
// empty for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.7,
		FictionFormats:      []string{"epub", "pdf"},
		NonfictionFormats:   []string{"pdf", "epub"},
		MaxBytes:            100 << 20,
		DownloadTimeout:     2 * time.Minute,
		Locator:             locator.DefaultConfig(),
	}
}

// Formats returns the format preference for a fiction or non-fiction work.
func (c Config) Formats(fiction bool) []string {
	if fiction {
		return c.FictionFormats
	}
	return c.NonfictionFormats
}

// TaskQueue is the durable queue the stages hand off through.
type TaskQueue interface {
	Enqueue(ctx context.Context, stage, uploadID string) error
	Register(stage string, h queue.Handler)
}

// Deps are the collaborators the stages call.
type Deps struct {
	Store      store.Store
	Queue      TaskQueue
	Blobs      BlobStore
	Vision     VisionClassifier
	Search     BibliographicSearch
	Catalog    CatalogueScraper
	Classifier locator.Classifier
	// Formatter and OCR are optional.
	Formatter locator.Formatter
	OCR       bookfile.PageRecognizer
	Logger    *slog.Logger
}

// Pipeline wires the stages to the queue and accepts submissions.
type Pipeline struct {
	cfg      Config
	store    store.Store
	queue    TaskQueue
	registry *Registry
	logger   *slog.Logger
}

// New builds the five stages and registers them on d.Queue.
func New(cfg Config, d Deps) (*Pipeline, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case d.Queue == nil:
		return nil, errors.New("pipeline: queue is required")
	case d.Blobs == nil:
		return nil, errors.New("pipeline: blob store is required")
	case d.Vision == nil:
		return nil, errors.New("pipeline: vision classifier is required")
	case d.Search == nil:
		return nil, errors.New("pipeline: bibliographic search is required")
	case d.Catalog == nil:
		return nil, errors.New("pipeline: catalogue scraper is required")
	case d.Classifier == nil:
		return nil, errors.New("pipeline: text classifier is required")
	}
	if cfg.SpoolDir == "" || cfg.DownloadDir == "" {
		return nil, errors.New("pipeline: spool and download directories are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")

	p := &Pipeline{
		cfg:      cfg,
		store:    d.Store,
		queue:    d.Queue,
		registry: NewRegistry(),
		logger:   logger,
	}

	stages := []Stage{
		&ingestStage{blobs: d.Blobs, spoolDir: cfg.SpoolDir},
		&visionStage{blobs: d.Blobs, vision: d.Vision, store: d.Store, threshold: cfg.ConfidenceThreshold, logger: logger},
		&identityStage{search: d.Search, logger: logger},
		&acquisitionStage{catalog: d.Catalog, cfg: cfg, logger: logger},
		&extractionStage{
			store:   d.Store,
			locator: locator.New(cfg.Locator, d.Classifier, d.Formatter, logger),
			ocr:     d.OCR,
			cfg:     cfg,
			logger:  logger,
		},
	}
	logging := WithLogging(logger)
	for _, s := range stages {
		h := logging(s.Name(), NewRunner(s, d.Store, d.Queue, logger))
		if err := p.registry.Register(s.Name(), h); err != nil {
			return nil, err
		}
		d.Queue.Register(s.Name(), func(ctx context.Context, uploadID string) error {
			_, err := h.Handle(ctx, uploadID)
			return err
		})
	}
	return p, nil
}

// Handler returns the wrapped handler for stage.
func (p *Pipeline) Handler(stage string) (Handler, error) {
	return p.registry.Get(stage)
}

// Stages returns the registered stage names in order.
func (p *Pipeline) Stages() []string {
	return p.registry.Names()
}

// Submit records a new upload for image and queues its ingest.
func (p *Pipeline) Submit(ctx context.Context, image []byte, contentType string) (*store.Upload, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if err := os.MkdirAll(p.cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	u := &store.Upload{
		ID:          uuid.NewString(),
		ContentType: contentType,
		Status:      store.StatusPending,
	}
	path := spoolPath(p.cfg.SpoolDir, u.ID)
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return nil, fmt.Errorf("failed to spool image: %w", err)
	}
	if err := p.store.CreateUpload(ctx, u); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to create upload: %w", err)
	}
	if err := p.queue.Enqueue(ctx, store.StageIngest, u.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue ingest: %w", err)
	}
	p.logger.Info("upload submitted", "upload_id", u.ID, "bytes", len(image), "content_type", contentType)
	return u, nil
}

// Stalled returns non-terminal uploads untouched for longer than olderThan
// that have no queued or running task. These are uploads whose next stage
// was never enqueued.
func (p *Pipeline) Stalled(ctx context.Context, olderThan time.Duration) ([]*store.Upload, error) {
	cutoff := time.Now().Add(-olderThan)
	var out []*store.Upload
	for _, st := range []store.Status{store.StatusPending, store.StatusProcessing} {
		uploads, err := p.store.ListUploads(ctx, store.UploadFilter{Status: st})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s uploads: %w", st, err)
		}
		for _, u := range uploads {
			if u.UpdatedAt.After(cutoff) {
				continue
			}
			live, err := p.hasLiveTask(ctx, u.ID)
			if err != nil {
				return nil, err
			}
			if !live {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

func (p *Pipeline) hasLiveTask(ctx context.Context, uploadID string) (bool, error) {
	tasks, err := p.store.ListTasks(ctx, uploadID)
	if err != nil {
		return false, fmt.Errorf("failed to list tasks for %s: %w", uploadID, err)
	}
	for _, t := range tasks {
		if t.Status == store.TaskQueued || t.Status == store.TaskRunning {
			return true, nil
		}
	}
	return false, nil
}

// Requeue enqueues the stage after u's last finished stage.
func (p *Pipeline) Requeue(ctx context.Context, u *store.Upload) (string, error) {
	next := store.NextStage(u.Stage)
	if next == store.StageNone {
		return "", fmt.Errorf("upload %s has no stage after %q", u.ID, u.Stage)
	}
	if err := p.queue.Enqueue(ctx, next, u.ID); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", next, err)
	}
	p.logger.Info("upload requeued", "upload_id", u.ID, "stage", next)
	return next, nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackzampolin/snapshelf/internal/bookfile"
	"github.com/jackzampolin/snapshelf/internal/locator"
	"github.com/jackzampolin/snapshelf/internal/store"
)

// User-facing failure messages.
const (
	msgRetakePhoto  = "We could not recognise a book in this photo. Please retake the photo with the full cover visible."
	msgImageMissing = "We lost the uploaded photo before it could be stored. Please upload it again."
	msgNoCandidates = "We could not find a downloadable copy of this book."
	msgDownload     = "We found this book but could not download a usable copy."
	msgUnreadable   = "We downloaded this book but could not open the file."
	msgNoText       = "We downloaded this book but could not find any readable text in it."
)

// ingestStage moves spooled image bytes into the blob store.
type ingestStage struct {
	blobs    BlobStore
	spoolDir string
}

func (s *ingestStage) Name() string { return store.StageIngest }

func (s *ingestStage) Run(ctx context.Context, u *store.Upload) (Result, error) {
	path := spoolPath(s.spoolDir, u.ID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, Fail(ReasonImageMissing, msgImageMissing)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to read spooled image: %w", err)
	}

	url, err := s.blobs.Put(ctx, "covers/"+u.ID+imageExt(u.ContentType), data, u.ContentType)
	if err != nil {
		return Result{}, fmt.Errorf("failed to store image: %w", err)
	}
	return Result{
		Apply: func(cur *store.Upload) error {
			cur.ImageURL = url
			return nil
		},
		Done: func() { os.Remove(path) },
	}, nil
}

func spoolPath(dir, uploadID string) string {
	return filepath.Join(dir, uploadID)
}

func imageExt(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	case "image/gif":
		return ".gif"
	}
	return ""
}

// visionStage asks the vision collaborator what is on the cover.
type visionStage struct {
	blobs     BlobStore
	vision    VisionClassifier
	store     store.Store
	threshold float64
	logger    *slog.Logger
}

func (s *visionStage) Name() string { return store.StageVision }

func (s *visionStage) Run(ctx context.Context, u *store.Upload) (Result, error) {
	data, err := s.blobs.Get(ctx, u.ImageURL)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load image %s: %w", u.ImageURL, err)
	}
	a, err := s.vision.AnalyzeCover(ctx, CoverImage{URL: u.ImageURL, Data: data, ContentType: u.ContentType})
	if err != nil {
		return Result{}, fmt.Errorf("cover analysis: %w", err)
	}

	record := func(cur *store.Upload) error {
		cur.VisionRaw = string(a.Raw)
		conf := a.Confidence
		cur.Confidence = &conf
		if a.Title != nil {
			cur.ExtractedTitle = strings.TrimSpace(*a.Title)
		}
		if a.Author != nil {
			cur.ExtractedAuthor = strings.TrimSpace(*a.Author)
		}
		if a.Fiction != nil {
			f := *a.Fiction
			cur.ExtractedFiction = &f
		}
		return nil
	}

	switch {
	case !a.IsBook:
		return Result{}, FailWith(ReasonNotABook, msgRetakePhoto, record)
	case a.Confidence <= s.threshold:
		return Result{}, FailWith(ReasonLowConfidence, msgRetakePhoto, record)
	case blank(a.Title) || blank(a.Author) || a.Fiction == nil:
		return Result{}, FailWith(ReasonNotABook, msgRetakePhoto, record)
	}

	key := store.BookKey{
		Title:   strings.TrimSpace(*a.Title),
		Author:  strings.TrimSpace(*a.Author),
		Fiction: *a.Fiction,
	}
	book, err := s.store.FindBook(ctx, key)
	switch {
	case err == nil && book.PageContent != "":
		s.logger.Info("book already extracted", "upload_id", u.ID, "book_id", book.ID)
		return Result{
			Apply: func(cur *store.Upload) error {
				if err := record(cur); err != nil {
					return err
				}
				cur.BookID = book.ID
				return nil
			},
			Complete: true,
		}, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("failed to look up existing book: %w", err)
	}
	return Result{Apply: record}, nil
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

// identityStage refines title and author against a bibliographic catalogue.
// No match is not an error; the extracted values carry on.
type identityStage struct {
	search BibliographicSearch
	logger *slog.Logger
}

func (s *identityStage) Name() string { return store.StageIdentity }

func (s *identityStage) Run(ctx context.Context, u *store.Upload) (Result, error) {
	match, err := s.search.Search(ctx, u.ExtractedTitle, u.ExtractedAuthor)
	if err != nil {
		return Result{}, fmt.Errorf("bibliographic search: %w", err)
	}
	if match == nil {
		s.logger.Info("no bibliographic match, using extracted identity",
			"upload_id", u.ID, "title", u.ExtractedTitle, "author", u.ExtractedAuthor)
		return Result{}, nil
	}
	return Result{
		Apply: func(cur *store.Upload) error {
			cur.RefinedTitle = strings.TrimSpace(match.Title)
			cur.RefinedAuthor = strings.TrimSpace(match.Author)
			cur.ISBN = match.ISBN
			return nil
		},
	}, nil
}

// acquisitionStage finds and downloads a copy of the book.
type acquisitionStage struct {
	catalog CatalogueScraper
	cfg     Config
	logger  *slog.Logger
}

func (s *acquisitionStage) Name() string { return store.StageAcquire }

func (s *acquisitionStage) Run(ctx context.Context, u *store.Upload) (Result, error) {
	title, last := u.Title(), LastName(u.Author())
	cands, err := s.catalog.Search(ctx, title, last)
	if err != nil {
		return Result{}, fmt.Errorf("catalogue search: %w", err)
	}
	picks := SelectCandidates(cands, s.cfg.Formats(u.Fiction()), u.Fiction(), s.cfg.MaxBytes)
	s.logger.Debug("catalogue candidates", "upload_id", u.ID, "found", len(cands), "eligible", len(picks))
	if len(picks) == 0 {
		return Result{}, Fail(ReasonNoCandidates, msgNoCandidates)
	}

	if err := os.MkdirAll(s.cfg.DownloadDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create download dir: %w", err)
	}
	for i, c := range picks {
		dest := filepath.Join(s.cfg.DownloadDir, u.ID+"."+c.Format)
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
		path, err := s.catalog.Download(dctx, c.DownloadRef, dest, s.cfg.MaxBytes)
		cancel()
		if err == nil {
			format := c.Format
			return Result{
				Apply: func(cur *store.Upload) error {
					cur.FilePath = path
					cur.FileFormat = format
					return nil
				},
			}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		s.logger.Warn("download failed",
			"upload_id", u.ID,
			"attempt", i+1,
			"format", c.Format,
			"size_bytes", c.SizeBytes,
			"error", err,
		)
	}
	return Result{}, Fail(ReasonDownloadFailed, msgDownload)
}

// LastName returns the last whitespace-separated token of author. Multi-word
// surnames lose their leading parts.
func LastName(author string) string {
	f := strings.Fields(author)
	if len(f) == 0 {
		return ""
	}
	return f[len(f)-1]
}

// extractionStage locates the first real content page and stores the Book.
type extractionStage struct {
	store   store.Store
	locator *locator.Locator
	ocr     bookfile.PageRecognizer
	cfg     Config
	logger  *slog.Logger
}

func (s *extractionStage) Name() string { return store.StageExtraction }

func (s *extractionStage) Run(ctx context.Context, u *store.Upload) (Result, error) {
	kind, err := bookfile.ParseKind(u.FileFormat)
	if err != nil {
		if kind, err = bookfile.KindFromPath(u.FilePath); err != nil {
			return Result{}, Fail(ReasonUnreadable, msgUnreadable)
		}
	}
	f, err := bookfile.Open(ctx, u.FilePath, kind, bookfile.Options{
		OCR:           s.ocr,
		MinTextLength: s.cfg.Locator.MinTextLength,
		Logger:        s.logger,
	})
	if err != nil {
		s.logger.Warn("failed to open book file", "upload_id", u.ID, "path", u.FilePath, "error", err)
		return Result{}, Fail(ReasonUnreadable, msgUnreadable)
	}
	defer f.Close()

	res, err := s.locator.Locate(ctx, f, u.Fiction())
	if errors.Is(err, locator.ErrNoText) {
		return Result{}, Fail(ReasonNoText, msgNoText)
	}
	if err != nil {
		return Result{}, fmt.Errorf("content locator: %w", err)
	}
	s.logger.Info("content located",
		"upload_id", u.ID,
		"unit", res.Unit,
		"fallback", res.Fallback,
		"reformatted", res.Reformatted,
	)

	book, err := s.store.UpsertBook(ctx, &store.Book{
		Title:       u.Title(),
		Author:      u.Author(),
		Fiction:     u.Fiction(),
		ISBN:        u.ISBN,
		Format:      string(kind),
		SourceUnit:  res.Unit,
		PageContent: res.Text,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to save book: %w", err)
	}

	out := Result{
		Apply: func(cur *store.Upload) error {
			cur.BookID = book.ID
			cur.Message = ""
			return nil
		},
		Complete: true,
	}
	if !s.cfg.KeepDownloads {
		path := u.FilePath
		out.Done = func() { os.Remove(path) }
	}
	return out, nil
}

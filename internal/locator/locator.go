// Package locator finds the first unit of a downloaded book that holds
// real narrative or informational text rather than frontmatter.
package locator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrNoText is returned when no scanned unit, including the fallback unit 1,
// yields any text.
var ErrNoText = errors.New("no extractable text")

// Label is a classifier verdict for one unit.
type Label string

const (
	LabelContent     Label = "CONTENT"
	LabelFrontmatter Label = "FRONTMATTER"
)

// Classifier labels a text sample. ordinal is the 1-based unit number.
type Classifier interface {
	Classify(ctx context.Context, sample string, ordinal int, fiction bool) (Label, error)
}

// Formatter cleans up extracted text before it is stored.
type Formatter interface {
	Format(ctx context.Context, raw string) (string, error)
}

// Source is an opened book, addressed by 1-based unit number.
type Source interface {
	UnitCount() int
	ExtractPageText(ctx context.Context, unit int) (string, error)
}

// Config holds the scan parameters.
type Config struct {
	ScanLimit       int
	MinTextLength   int
	SampleChars     int
	DedupeWindow    int
	DedupeThreshold float64
	Reformat        bool
}

// DefaultConfig returns the standard scan parameters.
func DefaultConfig() Config {
	return Config{
		ScanLimit:       20,
		MinTextLength:   50,
		SampleChars:     1000,
		DedupeWindow:    5,
		DedupeThreshold: 0.8,
		Reformat:        true,
	}
}

// Result is the selected unit.
type Result struct {
	Unit        int    `json:"unit"`
	Text        string `json:"text"`
	Raw         string `json:"raw"`
	Fallback    bool   `json:"fallback"`
	Reformatted bool   `json:"reformatted"`
}

// Locator runs the scan. formatter may be nil.
type Locator struct {
	cfg        Config
	classifier Classifier
	formatter  Formatter
	logger     *slog.Logger
}

// New creates a Locator. Zero-valued numeric Config fields take their defaults.
func New(cfg Config, classifier Classifier, formatter Formatter, logger *slog.Logger) *Locator {
	def := DefaultConfig()
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = def.MinTextLength
	}
	if cfg.SampleChars <= 0 {
		cfg.SampleChars = def.SampleChars
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	if cfg.DedupeThreshold <= 0 {
		cfg.DedupeThreshold = def.DedupeThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{
		cfg:        cfg,
		classifier: classifier,
		formatter:  formatter,
		logger:     logger.With("component", "locator"),
	}
}

// Locate scans src and returns the representative unit.
//
// Non-fiction returns the first CONTENT unit. Fiction treats the first
// CONTENT unit as a likely part divider and returns the second; when only
// one CONTENT unit is found within the scan limit that one is returned.
// With no CONTENT unit at all, unit 1 is returned verbatim.
func (l *Locator) Locate(ctx context.Context, src Source, fiction bool) (*Result, error) {
	limit := min(l.cfg.ScanLimit, src.UnitCount())
	win := newWindow(l.cfg.DedupeWindow)

	var anchor *Result
	var first string
	for unit := 1; unit <= limit; unit++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := src.ExtractPageText(ctx, unit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Warn("failed to extract unit", "unit", unit, "error", err)
			continue
		}
		if unit == 1 {
			first = text
		}
		trimmed := strings.TrimSpace(text)
		if n := utf8.RuneCountInString(trimmed); n < l.cfg.MinTextLength {
			l.logger.Debug("unit too short", "unit", unit, "length", n)
			continue
		}

		words := wordSet(trimmed)
		if sim := win.maxSimilarity(words); sim > l.cfg.DedupeThreshold {
			win.push(words)
			l.logger.Debug("skipping near-duplicate unit", "unit", unit, "similarity", sim)
			continue
		}
		win.push(words)

		label, err := l.classifier.Classify(ctx, sample(trimmed, l.cfg.SampleChars), unit, fiction)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Warn("classifier failed, treating unit as content", "unit", unit, "error", err)
			label = LabelContent
		}
		l.logger.Debug("classified unit", "unit", unit, "label", label)
		if label != LabelContent {
			continue
		}

		found := &Result{Unit: unit, Raw: text}
		if !fiction || anchor != nil {
			return l.finish(ctx, found), nil
		}
		anchor = found
	}

	if anchor != nil {
		l.logger.Info("only one content unit found, using anchor", "unit", anchor.Unit)
		return l.finish(ctx, anchor), nil
	}

	if strings.TrimSpace(first) == "" {
		return nil, ErrNoText
	}
	l.logger.Info("no content unit within scan limit, falling back to unit 1", "scanned", limit)
	return l.finish(ctx, &Result{Unit: 1, Raw: first, Fallback: true}), nil
}

func (l *Locator) finish(ctx context.Context, r *Result) *Result {
	r.Text = strings.TrimSpace(r.Raw)
	if !l.cfg.Reformat || l.formatter == nil {
		return r
	}
	out, err := l.formatter.Format(ctx, r.Text)
	switch {
	case err != nil:
		l.logger.Warn("reformat failed, keeping raw text", "unit", r.Unit, "error", err)
	case strings.TrimSpace(out) == "":
		l.logger.Warn("reformat returned empty text, keeping raw text", "unit", r.Unit)
	default:
		r.Text = out
		r.Reformatted = true
	}
	return r
}

// sample truncates s to n characters without splitting a rune.
func sample(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// wordSet returns the lower-cased words of s longer than three characters.
func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}) {
		if len([]rune(w)) > 3 {
			set[w] = struct{}{}
		}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when both are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// window keeps the word sets of the most recently seen units.
type window struct {
	size  int
	items []map[string]struct{}
}

func newWindow(size int) *window { return &window{size: size} }

func (w *window) push(set map[string]struct{}) {
	w.items = append(w.items, set)
	if len(w.items) > w.size {
		w.items = w.items[1:]
	}
}

func (w *window) maxSimilarity(set map[string]struct{}) float64 {
	best := 0.0
	for _, prev := range w.items {
		best = max(best, Jaccard(set, prev))
	}
	return best
}

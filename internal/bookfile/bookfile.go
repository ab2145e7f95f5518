// Package bookfile opens downloaded books and exposes them as numbered text
// units: literal pages for PDF, page-list entries or chapters for EPUB.
package bookfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedFormat is returned for files that are neither PDF nor EPUB.
var ErrUnsupportedFormat = errors.New("unsupported book format")

// ErrUnitRange is returned for a unit number outside 1..UnitCount.
var ErrUnitRange = errors.New("unit out of range")

// Kind names a book file format.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindEPUB Kind = "epub"
)

// ParseKind maps a format name or file extension to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.TrimPrefix(strings.ToLower(s), ".") {
	case "pdf":
		return KindPDF, nil
	case "epub":
		return KindEPUB, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// KindFromPath returns the Kind for path's extension.
func KindFromPath(path string) (Kind, error) {
	return ParseKind(filepath.Ext(path))
}

// PageRecognizer turns a rendered page image into text.
type PageRecognizer interface {
	RecognizePage(ctx context.Context, png []byte, page int) (string, error)
}

// Options configure Open.
type Options struct {
	// OCR, when set, is used for PDF pages whose text layer is shorter
	// than MinTextLength characters or cannot be decoded.
	OCR           PageRecognizer
	MinTextLength int
	Logger        *slog.Logger
}

// Format is an opened book. Exactly one of the variant fields is set,
// selected by Kind.
type Format struct {
	Kind Kind
	pdf  *PDF
	epub *EPUB
}

// Open opens path as kind.
func Open(ctx context.Context, path string, kind Kind, opts Options) (*Format, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch kind {
	case KindPDF:
		p, err := OpenPDF(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		return &Format{Kind: kind, pdf: p}, nil
	case KindEPUB:
		e, err := OpenEPUB(path, opts)
		if err != nil {
			return nil, err
		}
		return &Format{Kind: kind, epub: e}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, kind)
}

// UnitCount returns the number of addressable units.
func (f *Format) UnitCount() int {
	switch f.Kind {
	case KindPDF:
		return f.pdf.UnitCount()
	case KindEPUB:
		return f.epub.UnitCount()
	}
	return 0
}

// ExtractPageText returns the text of the 1-based unit.
func (f *Format) ExtractPageText(ctx context.Context, unit int) (string, error) {
	switch f.Kind {
	case KindPDF:
		return f.pdf.ExtractPageText(ctx, unit)
	case KindEPUB:
		return f.epub.ExtractPageText(ctx, unit)
	}
	return "", ErrUnsupportedFormat
}

// Close releases the underlying file.
func (f *Format) Close() error {
	switch f.Kind {
	case KindPDF:
		return f.pdf.Close()
	case KindEPUB:
		return f.epub.Close()
	}
	return nil
}

const (
	pageWords = 400
	pageChars = 3000
)

// firstPage trims a chapter-length text to roughly one printed page:
// at most pageWords words and pageChars bytes, cut back to a paragraph or
// sentence end when one falls in the second half.
func firstPage(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= pageChars {
		return text
	}

	cut := len(text)
	words := 0
	inWord := false
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !space && !inWord {
			words++
			if words > pageWords {
				cut = i
				break
			}
		}
		inWord = !space
	}
	if cut > pageChars {
		cut = pageChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}
	page := strings.TrimSpace(text[:cut])

	half := len(page) / 2
	if i := strings.LastIndex(page, "\n"); i > half {
		return strings.TrimSpace(page[:i])
	}
	if i := strings.LastIndexAny(page, ".!?"); i > half {
		return page[:i+1]
	}
	return page
}

// collapse normalises whitespace inside each line and drops blank lines.
func collapse(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

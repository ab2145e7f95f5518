package bookfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDF is an opened PDF whose units are its literal pages.
type PDF struct {
	path   string
	file   *os.File
	ctx    *model.Context
	ocr    PageRecognizer
	minLen int
	logger *slog.Logger

	// text reads the text layer of one page and render produces a PNG of
	// one page; both shell out to poppler and are replaced in tests.
	text   func(ctx context.Context, path string, page int) (string, error)
	render func(ctx context.Context, path string, page int) ([]byte, error)
}

// OpenPDF reads and validates the PDF at path.
func OpenPDF(_ context.Context, path string, opts Options) (*PDF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	pctx, err := api.ReadAndValidate(f, model.NewDefaultConfiguration())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}
	if err := pctx.EnsurePageCount(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to count pdf pages: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PDF{
		path:   path,
		file:   f,
		ctx:    pctx,
		ocr:    opts.OCR,
		minLen: opts.MinTextLength,
		logger: logger.With("component", "pdf", "path", filepath.Base(path)),
		text:   pdftotextPage,
		render: renderPage,
	}, nil
}

func (p *PDF) UnitCount() int { return p.ctx.PageCount }

// ExtractPageText returns the text layer of page unit as decoded by
// pdftotext, or by ContentText when poppler is unavailable. A text layer
// that is too short or undecodable is replaced by OCR of the rendered page
// when a recognizer is configured; without one, undecodable text is
// dropped.
func (p *PDF) ExtractPageText(ctx context.Context, unit int) (string, error) {
	if unit < 1 || unit > p.ctx.PageCount {
		return "", fmt.Errorf("%w: page %d of %d", ErrUnitRange, unit, p.ctx.PageCount)
	}
	text, err := p.text(ctx, p.path, unit)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.logger.Debug("pdftotext failed, reading content stream", "page", unit, "error", err)
		if text, err = p.streamText(unit); err != nil {
			return "", err
		}
	}
	text = strings.TrimSpace(text)

	ok := readable(text)
	if !ok {
		p.logger.Debug("text layer is not decodable", "page", unit)
	}
	if p.ocr == nil || (ok && utf8.RuneCountInString(text) >= p.minLen) {
		return textOrEmpty(text, ok), nil
	}
	img, err := p.render(ctx, p.path, unit)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.logger.Warn("failed to render page for ocr", "page", unit, "error", err)
		return textOrEmpty(text, ok), nil
	}
	ocrText, err := p.ocr.RecognizePage(ctx, img, unit)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.logger.Warn("ocr failed", "page", unit, "error", err)
		return textOrEmpty(text, ok), nil
	}
	p.logger.Debug("used ocr for page", "page", unit, "text_layer", len(text), "ocr", len(ocrText))
	return strings.TrimSpace(ocrText), nil
}

// streamText decodes page unit's content stream directly.
func (p *PDF) streamText(unit int) (string, error) {
	r, err := pdfcpu.ExtractPageContent(p.ctx, unit)
	if err != nil {
		return "", fmt.Errorf("failed to read content of page %d: %w", unit, err)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content of page %d: %w", unit, err)
	}
	return ContentText(content), nil
}

func (p *PDF) Close() error { return p.file.Close() }

// pdftotextPage reads the text layer of one page with pdftotext
// (poppler-utils), which applies font encodings and ToUnicode maps.
func pdftotextPage(ctx context.Context, path string, page int) (string, error) {
	n := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, "pdftotext", "-f", n, "-l", n, "-enc", "UTF-8", "-nopgbrk", path, "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w: %s", err, stderr.Bytes())
	}
	return string(out), nil
}

// renderPage renders one page to PNG with pdftoppm (poppler-utils).
func renderPage(ctx context.Context, path string, page int) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "snapshelf-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	n := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, "pdftoppm", "-png", "-f", n, "-l", n, "-r", "300", "-singlefile", path, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, out)
	}
	return os.ReadFile(prefix + ".png")
}

// readable reports whether text looks decoded rather than raw glyph codes:
// at most one rune in ten may be a control, private-use or replacement
// character.
func readable(text string) bool {
	var n, bad int
	for _, r := range text {
		n++
		if r == utf8.RuneError || unicode.Is(unicode.Co, r) || (unicode.IsControl(r) && !unicode.IsSpace(r)) {
			bad++
		}
	}
	return bad*10 <= n
}

func textOrEmpty(text string, ok bool) string {
	if !ok {
		return ""
	}
	return text
}

// ContentText pulls the shown strings out of a decoded page content stream.
// Tj, TJ, ' and " contribute text; line-moving operators start a new line;
// large negative TJ kerning is read as a word gap.
func ContentText(content []byte) string {
	lx := &lexer{src: content}
	var out strings.Builder
	var operands []token

	newline := func() {
		s := out.String()
		if s != "" && !strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}

	for {
		tok, ok := lx.next()
		if !ok {
			break
		}
		if tok.kind != tokOperator {
			operands = append(operands, tok)
			continue
		}
		switch tok.text {
		case "Tj", "TJ":
			writeStrings(&out, operands)
		case "'", "\"":
			newline()
			writeStrings(&out, operands)
		case "T*", "ET":
			newline()
		case "Td", "TD":
			if len(operands) >= 2 && operands[len(operands)-1].num != 0 {
				newline()
			} else if out.Len() > 0 {
				out.WriteByte(' ')
			}
		case "Tm":
			newline()
		case "BI":
			lx.skipInlineImage()
		}
		operands = operands[:0]
	}
	return collapse(out.String())
}

func writeStrings(out *strings.Builder, operands []token) {
	for _, t := range operands {
		switch t.kind {
		case tokString:
			out.WriteString(t.text)
		case tokNumber:
			// Inside a TJ array, a large negative adjustment is a space.
			if t.num < -200 {
				out.WriteByte(' ')
			}
		}
	}
}

type tokenKind int

const (
	tokOperator tokenKind = iota
	tokString
	tokNumber
	tokOther
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

// lexer is a minimal PDF content-stream tokenizer. Array brackets are
// dropped so TJ operands arrive as a flat list of strings and numbers.
type lexer struct {
	src []byte
	pos int
}

func (l *lexer) next() (token, bool) {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case isSpace(c) || c == '[' || c == ']':
			l.pos++
		case c == '%':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' && l.src[l.pos] != '\r' {
				l.pos++
			}
		case c == '(':
			return token{kind: tokString, text: l.literal()}, true
		case c == '<':
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '<' {
				l.pos += 2
				return token{kind: tokOther, text: "<<"}, true
			}
			return token{kind: tokString, text: l.hex()}, true
		case c == '>':
			l.pos++
			if l.pos < len(l.src) && l.src[l.pos] == '>' {
				l.pos++
			}
			return token{kind: tokOther, text: ">>"}, true
		case c == '/':
			start := l.pos
			l.pos++
			for l.pos < len(l.src) && !isSpace(l.src[l.pos]) && !isDelim(l.src[l.pos]) {
				l.pos++
			}
			return token{kind: tokOther, text: string(l.src[start:l.pos])}, true
		default:
			start := l.pos
			for l.pos < len(l.src) && !isSpace(l.src[l.pos]) && !isDelim(l.src[l.pos]) {
				l.pos++
			}
			if l.pos == start {
				l.pos++
				continue
			}
			word := string(l.src[start:l.pos])
			if f, err := strconv.ParseFloat(word, 64); err == nil {
				return token{kind: tokNumber, text: word, num: f}, true
			}
			return token{kind: tokOperator, text: word}, true
		}
	}
	return token{}, false
}

// literal reads a (...) string with balanced parentheses and escapes.
func (l *lexer) literal() string {
	l.pos++ // (
	var b []byte
	depth := 1
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		l.pos++
		switch c {
		case '\\':
			if l.pos >= len(l.src) {
				return decodeBytes(b)
			}
			e := l.src[l.pos]
			l.pos++
			switch e {
			case 'n':
				b = append(b, '\n')
			case 'r':
				b = append(b, '\r')
			case 't':
				b = append(b, '\t')
			case 'b', 'f':
			case '\r':
				if l.pos < len(l.src) && l.src[l.pos] == '\n' {
					l.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '7'; i++ {
						v = v*8 + int(l.src[l.pos]-'0')
						l.pos++
					}
					b = append(b, byte(v))
				} else {
					b = append(b, e)
				}
			}
		case '(':
			depth++
			b = append(b, c)
		case ')':
			depth--
			if depth == 0 {
				return decodeBytes(b)
			}
			b = append(b, c)
		default:
			b = append(b, c)
		}
	}
	return decodeBytes(b)
}

// hex reads a <...> string.
func (l *lexer) hex() string {
	l.pos++ // <
	var digits []byte
	for l.pos < len(l.src) && l.src[l.pos] != '>' {
		if c := l.src[l.pos]; !isSpace(c) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++ // >
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	b := make([]byte, 0, len(digits)/2)
	for i := 0; i+1 < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			continue
		}
		b = append(b, byte(v))
	}
	return decodeBytes(b)
}

// skipInlineImage advances past BI ... ID <binary> EI.
func (l *lexer) skipInlineImage() {
	if i := bytes.Index(l.src[l.pos:], []byte("ID")); i >= 0 {
		l.pos += i + 2
	}
	for l.pos < len(l.src) {
		i := bytes.Index(l.src[l.pos:], []byte("EI"))
		if i < 0 {
			l.pos = len(l.src)
			return
		}
		at := l.pos + i
		l.pos = at + 2
		if at > 0 && isSpace(l.src[at-1]) && (l.pos >= len(l.src) || isSpace(l.src[l.pos])) {
			return
		}
	}
}

// decodeBytes reads b as UTF-16BE when it carries a BOM, otherwise as
// single-byte text. Control characters other than whitespace are dropped.
func decodeBytes(b []byte) string {
	var sb strings.Builder
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		for i := 2; i+1 < len(b); i += 2 {
			r := rune(b[i])<<8 | rune(b[i+1])
			if r >= 0x20 || r == '\n' || r == '\t' {
				sb.WriteRune(r)
			}
		}
		return sb.String()
	}
	for _, c := range b {
		switch {
		case c == '\n' || c == '\t' || c == '\r':
			sb.WriteByte(' ')
		case c >= 0x20 && c < 0x7f:
			sb.WriteByte(c)
		case c >= 0xa0:
			sb.WriteRune(rune(c))
		}
	}
	return sb.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

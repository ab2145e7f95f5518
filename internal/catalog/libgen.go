package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/jackzampolin/snapshelf/internal/pipeline"
)

const (
	LibgenName      = "libgen"
	LibgenSearchURL = "https://libgen.is/search.php"
	LibgenMirrorURL = "http://books.ms/main/"
)

// LibgenConfig configures the libgen scraper.
type LibgenConfig struct {
	SearchURL string
	MirrorURL string        // md5 is appended to resolve the download page
	Timeout   time.Duration // Search and mirror page requests
}

// Libgen implements pipeline.CatalogueScraper by scraping the libgen search
// results table and the md5 mirror page.
type Libgen struct {
	searchURL string
	mirrorURL string
	client    *http.Client
	download  *http.Client
	logger    *slog.Logger
}

// NewLibgen creates a libgen scraper.
func NewLibgen(cfg LibgenConfig, logger *slog.Logger) *Libgen {
	if cfg.SearchURL == "" {
		cfg.SearchURL = LibgenSearchURL
	}
	if cfg.MirrorURL == "" {
		cfg.MirrorURL = LibgenMirrorURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Libgen{
		searchURL: cfg.SearchURL,
		mirrorURL: cfg.MirrorURL,
		client:    &http.Client{Timeout: cfg.Timeout},
		// Downloads are bounded by the caller's context deadline.
		download: &http.Client{},
		logger:   logger.With("component", LibgenName),
	}
}

var md5Pattern = regexp.MustCompile(`md5=([a-fA-F0-9]{32})`)

// Search returns every downloadable row for "title authorLastName".
// Filtering by format and size is left to the caller.
func (l *Libgen) Search(ctx context.Context, title, authorLastName string) ([]pipeline.Candidate, error) {
	query := strings.TrimSpace(title + " " + authorLastName)
	params := url.Values{
		"req":      {query},
		"phrase":   {"1"},
		"view":     {"simple"},
		"column":   {"def"},
		"sort":     {"extension"},
		"sortmode": {"DESC"},
	}
	endpoint := l.searchURL + "?" + params.Encode()

	doc, err := l.fetchHTML(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("libgen search: %w", err)
	}

	var cands []pipeline.Candidate
	for _, table := range findAll(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "table" && hasClass(n, "c")
	}) {
		for i, row := range findAll(table, isElement("tr")) {
			if i == 0 {
				continue // header
			}
			if c, ok := parseRow(row); ok {
				cands = append(cands, c)
			}
		}
	}
	l.logger.Info("search finished", "query", query, "candidates", len(cands))
	return cands, nil
}

// parseRow reads one results row:
// id, author, title, publisher, year, pages, language, size, extension.
func parseRow(row *html.Node) (pipeline.Candidate, bool) {
	var tds []*html.Node
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "td" {
			tds = append(tds, c)
		}
	}
	if len(tds) < 9 {
		return pipeline.Candidate{}, false
	}

	var link *html.Node
	for _, a := range findAll(tds[2], isElement("a")) {
		if strings.Contains(attr(a, "href"), "md5=") {
			link = a
			break
		}
	}
	if link == nil {
		return pipeline.Candidate{}, false
	}
	m := md5Pattern.FindStringSubmatch(attr(link, "href"))
	if m == nil {
		return pipeline.Candidate{}, false
	}

	return pipeline.Candidate{
		Format:      strings.ToLower(strings.TrimSpace(textContent(tds[8]))),
		SizeBytes:   ParseSize(textContent(tds[7])),
		PageCount:   leadingInt(textContent(tds[5])),
		DownloadRef: strings.ToLower(m[1]),
		Title:       strings.TrimSpace(textContent(link)),
	}, true
}

var sizePattern = regexp.MustCompile(`(?i)^([\d.]+)\s*([KMG]?B)$`)

// ParseSize converts a size such as "5.2 MB" or "450 Kb" to bytes. It
// returns 0 when the string is not a size.
func ParseSize(s string) int64 {
	m := sizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch strings.ToUpper(m[2]) {
	case "KB":
		n *= 1 << 10
	case "MB":
		n *= 1 << 20
	case "GB":
		n *= 1 << 30
	}
	return int64(n)
}

// leadingInt parses page counts such as "320" or "320[310]".
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}

// Download resolves md5 through the mirror page and streams the file to
// destPath. The file is written to destPath+".tmp" and renamed when
// complete. A transfer larger than maxBytes is discarded with ErrTooLarge;
// a zero maxBytes disables the ceiling.
func (l *Libgen) Download(ctx context.Context, md5, destPath string, maxBytes int64) (string, error) {
	link, err := l.resolveDownload(ctx, md5)
	if err != nil {
		return "", err
	}
	l.logger.Info("downloading", "md5", md5, "url", link)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := l.download.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{URL: link, StatusCode: resp.StatusCode}
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return "", fmt.Errorf("%w: %d bytes advertised, limit %d", ErrTooLarge, resp.ContentLength, maxBytes)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	tmp := destPath + ".tmp"
	n, err := writeLimited(tmp, resp.Body, maxBytes)
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	if n == 0 {
		os.Remove(tmp)
		return "", errors.New("download was empty")
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move download into place: %w", err)
	}
	l.logger.Info("download complete", "md5", md5, "path", destPath, "bytes", n)
	return destPath, nil
}

func writeLimited(path string, r io.Reader, maxBytes int64) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("download interrupted after %d bytes: %w", n, err)
	}
	if maxBytes > 0 && n > maxBytes {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	return n, f.Sync()
}

// resolveDownload finds the direct link on the mirror page for md5: the
// first link under #download h2, or else the first link labelled GET.
func (l *Libgen) resolveDownload(ctx context.Context, md5 string) (string, error) {
	page := l.mirrorURL + md5
	doc, err := l.fetchHTML(ctx, page)
	if err != nil {
		return "", fmt.Errorf("mirror page: %w", err)
	}

	var href string
	if box := findFirst(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && attr(n, "id") == "download"
	}); box != nil {
		for _, h2 := range findAll(box, isElement("h2")) {
			if a := findFirst(h2, isElement("a")); a != nil && attr(a, "href") != "" {
				href = attr(a, "href")
				break
			}
		}
	}
	if href == "" {
		if a := findFirst(doc, func(n *html.Node) bool {
			return n.Type == html.ElementNode && n.Data == "a" &&
				strings.EqualFold(strings.TrimSpace(textContent(n)), "GET")
		}); a != nil {
			href = attr(a, "href")
		}
	}
	if href == "" {
		return "", fmt.Errorf("no download link on %s", page)
	}

	base, err := url.Parse(page)
	if err != nil {
		return "", fmt.Errorf("bad mirror url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("bad download link %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (l *Libgen) fetchHTML(ctx context.Context, endpoint string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: endpoint, StatusCode: resp.StatusCode}
	}
	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	return doc, nil
}

func isElement(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag
	}
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	if match(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findFirst(c, match); n != nil {
			return n
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

var _ pipeline.CatalogueScraper = (*Libgen)(nil)

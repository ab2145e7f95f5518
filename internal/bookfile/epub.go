package bookfile

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/simp-lee/epub"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// EPUB is an opened EPUB. Its units are page-list entries when the book
// publishes print page boundaries, otherwise its non-frontmatter chapters.
type EPUB struct {
	book   *epub.Book
	units  []epubUnit
	paged  bool
	logger *slog.Logger
}

type epubUnit struct {
	href    string // zip path of the content file
	anchor  string // page start, empty for chapter units
	next    string // next page start in the same file
	chapter epub.Chapter
}

// OpenEPUB opens the EPUB at path and builds its unit list.
func OpenEPUB(path string, opts Options) (*EPUB, error) {
	b, err := epub.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open epub: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &EPUB{book: b, logger: logger.With("component", "epub")}

	pages, err := pageList(b)
	if err != nil {
		e.logger.Debug("no usable page list", "error", err)
	}
	if len(pages) > 0 {
		e.units, e.paged = pages, true
		e.logger.Debug("using page list", "pages", len(pages))
		return e, nil
	}

	for _, ch := range b.Chapters() {
		if !ch.Linear {
			continue
		}
		if IsFrontmatterTitle(ch.Title) {
			e.logger.Debug("skipping frontmatter chapter", "title", ch.Title, "href", ch.Href)
			continue
		}
		e.units = append(e.units, epubUnit{href: ch.Href, chapter: ch})
	}
	e.logger.Debug("using chapter flow", "chapters", len(e.units))
	return e, nil
}

func (e *EPUB) UnitCount() int { return len(e.units) }

// Paged reports whether units are print pages rather than chapters.
func (e *EPUB) Paged() bool { return e.paged }

// ExtractPageText returns the text of unit, capped to one page.
func (e *EPUB) ExtractPageText(ctx context.Context, unit int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if unit < 1 || unit > len(e.units) {
		return "", fmt.Errorf("%w: unit %d of %d", ErrUnitRange, unit, len(e.units))
	}
	u := e.units[unit-1]

	if !e.paged {
		text, err := u.chapter.TextContent()
		if err != nil {
			return "", fmt.Errorf("failed to read chapter %s: %w", u.href, err)
		}
		return firstPage(collapse(text)), nil
	}

	raw, err := e.book.ReadFile(u.href)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", u.href, err)
	}
	text, err := sliceText(raw, u.anchor, u.next)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", u.href, err)
	}
	return firstPage(text), nil
}

func (e *EPUB) Close() error { return e.book.Close() }

var frontmatterTitles = []string{
	"cover", "title page", "half title", "halftitle", "copyright", "dedication", "epigraph",
	"contents", "table of contents", "acknowledgment", "acknowledgments", "acknowledgement",
	"acknowledgements", "foreword", "preface", "about the author", "about the publisher",
	"also by", "praise for", "list of figures", "list of tables", "list of illustrations",
	"colophon", "imprint", "front matter", "frontmatter",
}

// IsFrontmatterTitle reports whether a TOC title names prefatory material.
func IsFrontmatterTitle(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return false
	}
	for _, k := range frontmatterTitles {
		if t == k || strings.HasPrefix(t, k+" ") || strings.HasPrefix(t, k+":") {
			return true
		}
	}
	return false
}

type containerDoc struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfDoc struct {
	Items []struct {
		ID         string `xml:"id,attr"`
		Href       string `xml:"href,attr"`
		MediaType  string `xml:"media-type,attr"`
		Properties string `xml:"properties,attr"`
	} `xml:"manifest>item"`
}

type pageMapDoc struct {
	Pages []struct {
		Name string `xml:"name,attr"`
		Href string `xml:"href,attr"`
	} `xml:"page"`
}

// pageList returns page units from the EPUB3 nav page-list, or from an
// Adobe page-map.xml when there is no nav page-list.
func pageList(b *epub.Book) ([]epubUnit, error) {
	data, err := b.ReadFile("META-INF/container.xml")
	if err != nil {
		return nil, err
	}
	var c containerDoc
	if err := xml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("container.xml: %w", err)
	}
	if len(c.Rootfiles) == 0 {
		return nil, errors.New("container.xml has no rootfile")
	}
	opfPath := c.Rootfiles[0].FullPath
	data, err = b.ReadFile(opfPath)
	if err != nil {
		return nil, err
	}
	var opf opfDoc
	if err := xml.Unmarshal(data, &opf); err != nil {
		return nil, fmt.Errorf("opf: %w", err)
	}
	opfDir := path.Dir(opfPath)

	var hrefs []string
	for _, it := range opf.Items {
		if !hasToken(it.Properties, "nav") {
			continue
		}
		navPath := path.Join(opfDir, it.Href)
		nav, err := b.ReadFile(navPath)
		if err != nil {
			return nil, err
		}
		if hrefs, err = navPageList(nav, path.Dir(navPath)); err != nil {
			return nil, err
		}
		break
	}

	if len(hrefs) == 0 {
		for _, it := range opf.Items {
			if it.MediaType != "application/oebps-page-map+xml" && !strings.HasSuffix(strings.ToLower(it.Href), "page-map.xml") {
				continue
			}
			mapPath := path.Join(opfDir, it.Href)
			data, err := b.ReadFile(mapPath)
			if err != nil {
				return nil, err
			}
			var pm pageMapDoc
			if err := xml.Unmarshal(data, &pm); err != nil {
				return nil, fmt.Errorf("page-map: %w", err)
			}
			for _, p := range pm.Pages {
				if p.Href != "" {
					hrefs = append(hrefs, path.Join(path.Dir(mapPath), p.Href))
				}
			}
			break
		}
	}
	return pageUnits(hrefs), nil
}

// pageUnits turns ordered page hrefs into units, linking each page to the
// next page start in the same file.
func pageUnits(hrefs []string) []epubUnit {
	units := make([]epubUnit, 0, len(hrefs))
	for _, h := range hrefs {
		file, frag, _ := strings.Cut(h, "#")
		units = append(units, epubUnit{href: file, anchor: frag})
	}
	for i := range units {
		if i+1 < len(units) && units[i+1].href == units[i].href {
			units[i].next = units[i+1].anchor
		}
	}
	return units
}

// navPageList returns the resolved hrefs of the nav page-list, in order.
func navPageList(data []byte, baseDir string) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var list *html.Node
	var find func(*html.Node)
	find = func(n *html.Node) {
		if list != nil {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Nav && hasToken(attr(n, "epub:type"), "page-list") {
			list = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	if list == nil {
		return nil, nil
	}

	var hrefs []string
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if h := attr(n, "href"); h != "" {
				hrefs = append(hrefs, resolveHref(baseDir, h))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(list)
	return hrefs, nil
}

func resolveHref(baseDir, href string) string {
	file, frag, hasFrag := strings.Cut(href, "#")
	if file != "" {
		file = path.Join(baseDir, file)
	}
	if hasFrag {
		return file + "#" + frag
	}
	return file
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Li: true, atom.Blockquote: true,
	atom.Section: true, atom.Tr: true, atom.Pre: true, atom.Hr: true,
}

// sliceText returns the text of an XHTML document from the element with
// id start up to the element with id stop. An empty or missing start means
// the top of the body; an empty or missing stop means the end of the document.
func sliceText(data []byte, start, stop string) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	capturing := start == ""
	found, done := capturing, false

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if done {
			return
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				return
			}
			id := attr(n, "id")
			if id != "" && id == start {
				capturing, found = true, true
			} else if capturing && stop != "" && id == stop {
				done = true
				return
			}
			if capturing && blockElements[n.DataAtom] {
				sb.WriteByte('\n')
			}
		}
		if n.Type == html.TextNode && capturing {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && capturing && blockElements[n.DataAtom] {
			sb.WriteByte('\n')
		}
	}
	walk(doc)
	if !found {
		// Anchor missing from the file: read from the top instead.
		return sliceText(data, "", stop)
	}
	return collapse(sb.String()), nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasToken(list, tok string) bool {
	for _, t := range strings.Fields(list) {
		if t == tok {
			return true
		}
	}
	return false
}

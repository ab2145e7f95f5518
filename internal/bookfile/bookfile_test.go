package bookfile

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const containerXML = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`

func opf(withNav bool) string {
	nav := ""
	if withNav {
		nav = `<item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>`
	}
	return `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="id">urn:isbn:9780441013593</dc:identifier>
    <dc:title>Dune</dc:title>
    <dc:creator>Frank Herbert</dc:creator>
    <dc:language>en</dc:language>
  </metadata>
  <manifest>
    ` + nav + `
    <item id="copy" href="copyright.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch1" href="ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch2" href="ch2.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine>
    <itemref idref="copy"/>
    <itemref idref="ch1"/>
    <itemref idref="ch2"/>
  </spine>
</package>`
}

func navDoc(withPages bool) string {
	pages := ""
	if withPages {
		pages = `<nav epub:type="page-list"><ol>
      <li><a href="ch1.xhtml#p1">1</a></li>
      <li><a href="ch1.xhtml#p2">2</a></li>
      <li><a href="ch2.xhtml#p3">3</a></li>
    </ol></nav>`
	}
	return `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><title>Nav</title></head>
<body>
  <nav epub:type="toc"><ol>
    <li><a href="copyright.xhtml">Copyright</a></li>
    <li><a href="ch1.xhtml">Chapter One</a></li>
    <li><a href="ch2.xhtml">Chapter Two</a></li>
  </ol></nav>
  ` + pages + `
</body></html>`
}

func xhtml(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><style>p { margin: 0 }</style></head>
<body>` + body + `</body></html>`
}

// writeEPUB builds a small EPUB 3 book in a temp dir.
func writeEPUB(t *testing.T, withPages bool) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dune.epub")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)

	mt, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	mt.Write([]byte("application/epub+zip"))

	files := map[string]string{
		"META-INF/container.xml": containerXML,
		"OEBPS/content.opf":      opf(true),
		"OEBPS/nav.xhtml":        navDoc(withPages),
		"OEBPS/copyright.xhtml":  xhtml(`<p>Copyright 1965 by Frank Herbert. All rights reserved.</p>`),
		"OEBPS/ch1.xhtml": xhtml(`<h1>Chapter One</h1>
<span id="p1"></span><p>A beginning is the time for taking the most delicate care that the balances are correct.</p>
<span id="p2"></span><p>In the week before their departure to Arrakis, an old crone came to visit the mother of the boy.</p>`),
		"OEBPS/ch2.xhtml": xhtml(`<h1>Chapter Two</h1>
<span id="p3"></span><p>Arrakis teaches the attitude of the knife, chopping off what is incomplete.</p>`),
	}
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return p
}

func TestEPUB_PageList(t *testing.T) {
	f, err := Open(context.Background(), writeEPUB(t, true), KindEPUB, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	if n := f.UnitCount(); n != 3 {
		t.Fatalf("UnitCount() = %d, want 3 pages", n)
	}

	ctx := context.Background()
	p1, err := f.ExtractPageText(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p1, "A beginning is the time") {
		t.Errorf("page 1 missing its text: %q", p1)
	}
	if strings.Contains(p1, "old crone") {
		t.Errorf("page 1 ran past the next page anchor: %q", p1)
	}

	p2, _ := f.ExtractPageText(ctx, 2)
	if !strings.Contains(p2, "old crone") || strings.Contains(p2, "A beginning") {
		t.Errorf("page 2 = %q", p2)
	}

	p3, _ := f.ExtractPageText(ctx, 3)
	if !strings.Contains(p3, "attitude of the knife") {
		t.Errorf("page 3 = %q", p3)
	}

	if _, err := f.ExtractPageText(ctx, 4); !errors.Is(err, ErrUnitRange) {
		t.Errorf("expected ErrUnitRange, got %v", err)
	}
}

func TestEPUB_ChapterFlowSkipsFrontmatter(t *testing.T) {
	f, err := Open(context.Background(), writeEPUB(t, false), KindEPUB, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	if n := f.UnitCount(); n != 2 {
		t.Fatalf("UnitCount() = %d, want 2 chapters after dropping copyright", n)
	}
	text, err := f.ExtractPageText(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text, "Chapter One") || !strings.Contains(text, "old crone") {
		t.Errorf("chapter 1 text = %q", text)
	}
	if strings.Contains(text, "margin") {
		t.Errorf("style content leaked into text: %q", text)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"pdf", KindPDF, false},
		{".EPUB", KindEPUB, false},
		{"mobi", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v", tt.in, err)
			}
			if err != nil && !errors.Is(err, ErrUnsupportedFormat) {
				t.Errorf("expected ErrUnsupportedFormat, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	if k, _ := KindFromPath("/tmp/downloads/dune.epub"); k != KindEPUB {
		t.Errorf("KindFromPath = %q", k)
	}
}

func TestIsFrontmatterTitle(t *testing.T) {
	tests := map[string]bool{
		"Copyright":            true,
		"Table of Contents":    true,
		"About the Author":     true,
		"Dedication":           true,
		"Chapter 1":            false,
		"Book One: Dune":       false,
		"":                     false,
		"Acknowledgments page": true,
		"Coverage of the war":  false,
	}
	for title, want := range tests {
		if got := IsFrontmatterTitle(title); got != want {
			t.Errorf("IsFrontmatterTitle(%q) = %v, want %v", title, got, want)
		}
	}
}

func TestFirstPage(t *testing.T) {
	short := "Just a short chapter."
	if got := firstPage(short); got != short {
		t.Errorf("short text changed: %q", got)
	}

	sentence := strings.Repeat("word ", 9) + "end. "
	long := strings.Repeat(sentence, 100)
	got := firstPage(long)
	if n := len(strings.Fields(got)); n > pageWords {
		t.Errorf("page has %d words, cap is %d", n, pageWords)
	}
	if !strings.HasSuffix(got, ".") {
		t.Errorf("page should end at a sentence boundary: ...%q", got[len(got)-20:])
	}

	para := strings.Repeat(strings.Repeat("alpha ", 50)+"\n", 20)
	got = firstPage(para)
	if len(got) > pageChars || strings.HasSuffix(got, "alpha alph") {
		t.Errorf("page not trimmed at a paragraph boundary: len=%d", len(got))
	}
}

func TestContentText(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   string
	}{
		{
			name:   "Tj with line moves",
			stream: "BT /F1 12 Tf 72 720 Td (CHAPTER ONE) Tj 0 -14 Td (It was a dark night.) Tj ET",
			want:   "CHAPTER ONE\nIt was a dark night.",
		},
		{
			name:   "TJ kerning",
			stream: "BT [(Hel) 20 (lo) -300 (world)] TJ ET",
			want:   "Hello world",
		},
		{
			name:   "escapes and nesting",
			stream: `BT (a \(b\) c\\d \101) Tj ET`,
			want:   `a (b) c\d A`,
		},
		{
			name:   "quote operator starts a line",
			stream: "BT (first) Tj (second) ' ET",
			want:   "first\nsecond",
		},
		{
			name:   "hex string",
			stream: "BT <48656C6C6F> Tj ET",
			want:   "Hello",
		},
		{
			name:   "utf16 hex",
			stream: "BT <FEFF00440075006E0065> Tj ET",
			want:   "Dune",
		},
		{
			name:   "ignores drawing and dictionaries",
			stream: "q 1 0 0 1 0 0 cm /GS1 gs << /MCID 0 >> BDC BT (text) Tj ET EMC Q",
			want:   "text",
		},
		{
			name:   "inline image skipped",
			stream: "BI /W 1 /H 1 /BPC 8 /CS /G ID \x00\xff(junk) EI BT (after) Tj ET",
			want:   "after",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContentText([]byte(tt.stream)); got != tt.want {
				t.Errorf("ContentText() = %q, want %q", got, tt.want)
			}
		})
	}
}

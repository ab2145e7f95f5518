package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const searchPage = `<html><body>
<table class="c" width="100%%">
<tr><td>ID</td><td>Author(s)</td><td>Title</td><td>Publisher</td><td>Year</td><td>Pages</td><td>Language</td><td>Size</td><td>Extension</td><td>Mirrors</td></tr>
<tr><td>101</td><td><a href="search.php?req=Herbert">Frank Herbert</a></td>
  <td><a href="search.php?req=Dune+Chronicles">Dune Chronicles</a> <a href="book/index.php?md5=%s" title="">Dune</a></td>
  <td>Ace</td><td>1990</td><td>544[535]</td><td>English</td><td>2 Mb</td><td>epub</td><td></td></tr>
<tr><td>102</td><td>Frank Herbert</td>
  <td><a href="book/index.php?md5=%s">Dune (40th Anniversary)</a></td>
  <td>Ace</td><td>2005</td><td>896</td><td>English</td><td>150 MB</td><td>PDF</td><td></td></tr>
<tr><td>103</td><td>Frank Herbert</td><td>no link here</td><td></td><td></td><td></td><td></td><td>1 MB</td><td>pdf</td><td></td></tr>
<tr><td>short row</td></tr>
</table>
</body></html>`

const (
	md5A = "0123456789abcdef0123456789abcdef"
	md5B = "FEDCBA9876543210FEDCBA9876543210"
)

func TestLibgen_Search(t *testing.T) {
	var gotReq string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.URL.Query().Get("req")
		fmt.Fprintf(w, searchPage, md5A, md5B)
	}))
	defer srv.Close()

	l := NewLibgen(LibgenConfig{SearchURL: srv.URL + "/search.php"}, nil)
	cands, err := l.Search(context.Background(), "Dune", "Herbert")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if gotReq != "Dune Herbert" {
		t.Errorf("req = %q", gotReq)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(cands), cands)
	}

	want := []struct {
		format string
		size   int64
		pages  int
		ref    string
		title  string
	}{
		{"epub", 2 << 20, 544, md5A, "Dune"},
		{"pdf", 150 << 20, 896, strings.ToLower(md5B), "Dune (40th Anniversary)"},
	}
	for i, w := range want {
		c := cands[i]
		if c.Format != w.format || c.SizeBytes != w.size || c.PageCount != w.pages || c.DownloadRef != w.ref || c.Title != w.title {
			t.Errorf("candidate %d = %+v", i, c)
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"5.2 MB":  5452595,
		"450 KB":  450 << 10,
		"450 kb":  450 << 10,
		"1 GB":    1 << 30,
		"2 Mb":    2 << 20,
		" 12 B ":  12,
		"unknown": 0,
		"":        0,
	}
	for in, want := range tests {
		if got := ParseSize(in); got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

// mirror serves a mirror page for md5A linking to /file and serves body at
// /file.
func mirror(t *testing.T, page string, body []byte, advertise bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/main/"+md5A, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		if advertise {
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		}
		w.Write(body)
		if f, ok := w.(http.Flusher); ok && !advertise {
			f.Flush()
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const downloadPage = `<html><body><div id="info"><a href="/elsewhere">mirror</a></div>
<div id="download"><h2><a href="/file">GET</a></h2><ul><li><a href="/ipfs">IPFS</a></li></ul></div></body></html>`

func TestLibgen_Download(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 4096)

	t.Run("writes file", func(t *testing.T) {
		srv := mirror(t, downloadPage, body, true)
		l := NewLibgen(LibgenConfig{MirrorURL: srv.URL + "/main/"}, nil)
		dest := filepath.Join(t.TempDir(), "u1.epub")

		got, err := l.Download(context.Background(), md5A, dest, 1<<20)
		if err != nil {
			t.Fatalf("Download() error = %v", err)
		}
		if got != dest {
			t.Errorf("path = %q, want %q", got, dest)
		}
		data, _ := os.ReadFile(dest)
		if !bytes.Equal(data, body) {
			t.Errorf("wrote %d bytes, want %d", len(data), len(body))
		}
		if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
			t.Error("temp file left behind")
		}
	})

	t.Run("GET link fallback", func(t *testing.T) {
		page := `<html><body><p><a href="/other">Other</a> <a href="../file">GET</a></p></body></html>`
		srv := mirror(t, page, body, true)
		l := NewLibgen(LibgenConfig{MirrorURL: srv.URL + "/main/"}, nil)
		dest := filepath.Join(t.TempDir(), "u1.pdf")
		if _, err := l.Download(context.Background(), md5A, dest, 0); err != nil {
			t.Fatalf("Download() error = %v", err)
		}
	})

	t.Run("advertised size over limit", func(t *testing.T) {
		srv := mirror(t, downloadPage, body, true)
		l := NewLibgen(LibgenConfig{MirrorURL: srv.URL + "/main/"}, nil)
		dest := filepath.Join(t.TempDir(), "u1.epub")
		_, err := l.Download(context.Background(), md5A, dest, 1024)
		if !errors.Is(err, ErrTooLarge) {
			t.Fatalf("expected ErrTooLarge, got %v", err)
		}
	})

	t.Run("streamed size over limit", func(t *testing.T) {
		srv := mirror(t, downloadPage, body, false)
		l := NewLibgen(LibgenConfig{MirrorURL: srv.URL + "/main/"}, nil)
		dir := t.TempDir()
		dest := filepath.Join(dir, "u1.epub")
		_, err := l.Download(context.Background(), md5A, dest, 1024)
		if !errors.Is(err, ErrTooLarge) {
			t.Fatalf("expected ErrTooLarge, got %v", err)
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("partial download left behind: %v", entries)
		}
	})

	t.Run("no link", func(t *testing.T) {
		srv := mirror(t, `<html><body>nothing</body></html>`, body, true)
		l := NewLibgen(LibgenConfig{MirrorURL: srv.URL + "/main/"}, nil)
		if _, err := l.Download(context.Background(), md5A, filepath.Join(t.TempDir(), "x.pdf"), 0); err == nil {
			t.Error("expected error when the mirror has no link")
		}
	})

	t.Run("unknown md5", func(t *testing.T) {
		srv := mirror(t, downloadPage, body, true)
		l := NewLibgen(LibgenConfig{MirrorURL: srv.URL + "/main/"}, nil)
		_, err := l.Download(context.Background(), md5B, filepath.Join(t.TempDir(), "x.pdf"), 0)
		var se *StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 StatusError, got %v", err)
		}
	})
}

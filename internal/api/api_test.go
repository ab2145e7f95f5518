package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

type fakeEndpoint struct {
	method, path string
	use          string
}

func (e *fakeEndpoint) Route() (string, string, http.HandlerFunc) {
	return e.method, e.path, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"path":"` + e.path + `"}`))
	}
}

func (e *fakeEndpoint) RequiresInit() bool { return strings.HasPrefix(e.path, "/api/") }

func (e *fakeEndpoint) Command(func() string) *cobra.Command {
	return &cobra.Command{Use: e.use}
}

func TestCommandGroup(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", ""},
		{"/api/uploads", "uploads"},
		{"/api/uploads/{id}/image", "uploads"},
		{"/api/books/{id}", "books"},
		{"/apix/thing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := commandGroup(tt.path); got != tt.want {
				t.Errorf("commandGroup(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestRegistry_BuildCommands(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeEndpoint{"GET", "/health", "health"})
	r.Register(&fakeEndpoint{"POST", "/api/uploads", "create"})
	r.Register(&fakeEndpoint{"GET", "/api/uploads/{id}", "get"})
	r.Register(&fakeEndpoint{"GET", "/api/books/{id}", "get"})

	root := r.BuildCommands(func() string { return "http://localhost" })

	names := map[string]*cobra.Command{}
	for _, c := range root.Commands() {
		names[c.Name()] = c
	}
	if len(names) != 3 {
		t.Fatalf("top-level commands = %v, want health, uploads and books", names)
	}
	if names["health"] == nil || names["health"].HasSubCommands() {
		t.Error("health should be a top-level leaf command")
	}
	if up := names["uploads"]; up == nil || len(up.Commands()) != 2 {
		t.Errorf("uploads group = %v", up)
	}
	if books := names["books"]; books == nil || len(books.Commands()) != 1 {
		t.Errorf("books group = %v", books)
	}
}

func TestRegistry_RegisterRoutes(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeEndpoint{"GET", "/health", "health"})
	r.Register(&fakeEndpoint{"GET", "/api/uploads", "list"})

	mux := http.NewServeMux()
	r.RegisterRoutes(mux, func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/api/uploads", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestClient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"content_type":"` + r.Header.Get("Content-Type") + `","size":` + strconv.Itoa(len(body)) + `}`))
		case "/image":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png-bytes"))
		case "/redirect":
			http.Redirect(w, r, "/image", http.StatusTemporaryRedirect)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"upload not found"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	ctx := context.Background()

	t.Run("PostRaw", func(t *testing.T) {
		var out struct {
			ContentType string `json:"content_type"`
			Size        int    `json:"size"`
		}
		if err := c.PostRaw(ctx, "/echo", "image/jpeg", strings.NewReader("abcd"), &out); err != nil {
			t.Fatal(err)
		}
		if out.ContentType != "image/jpeg" || out.Size != 4 {
			t.Errorf("echo = %+v", out)
		}
	})

	t.Run("Download follows redirects", func(t *testing.T) {
		var buf bytes.Buffer
		ct, err := c.Download(ctx, "/redirect", &buf)
		if err != nil {
			t.Fatal(err)
		}
		if ct != "image/png" || buf.String() != "png-bytes" {
			t.Errorf("Download = %q, %q", ct, buf.String())
		}
	})

	t.Run("error body decoded", func(t *testing.T) {
		err := c.Get(ctx, "/missing", nil)
		if err == nil || !strings.Contains(err.Error(), "(404): upload not found") {
			t.Errorf("err = %v", err)
		}
		var buf bytes.Buffer
		if _, err := c.Download(ctx, "/missing", &buf); err == nil || buf.Len() != 0 {
			t.Errorf("Download err = %v, wrote %d bytes", err, buf.Len())
		}
	})

	t.Run("plain error body", func(t *testing.T) {
		err := c.Get(ctx, "/other", nil)
		if err == nil || !strings.Contains(err.Error(), "(500): boom") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestOutputTo(t *testing.T) {
	data := map[string]any{"id": "u1", "status": "pending"}

	var j bytes.Buffer
	if err := OutputTo(&j, OutputFormatJSON, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(j.String(), `"status": "pending"`) {
		t.Errorf("json = %s", j.String())
	}

	var y bytes.Buffer
	if err := OutputTo(&y, OutputFormatYAML, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(y.String(), "status: pending") {
		t.Errorf("yaml = %s", y.String())
	}
}

func TestSetOutputFormat(t *testing.T) {
	defer SetOutputFormat("yaml")
	SetOutputFormat("json")
	if GetOutputFormat() != OutputFormatJSON {
		t.Error("expected json")
	}
	SetOutputFormat("xml")
	if GetOutputFormat() != DefaultOutput {
		t.Error("unknown format should fall back to the default")
	}
}

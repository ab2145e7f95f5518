package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/snapshelf/internal/blob"
	"github.com/jackzampolin/snapshelf/internal/home"
	"github.com/jackzampolin/snapshelf/internal/locator"
	"github.com/jackzampolin/snapshelf/internal/pipeline"
	"github.com/jackzampolin/snapshelf/internal/providers"
	"github.com/jackzampolin/snapshelf/internal/queue"
	"github.com/jackzampolin/snapshelf/internal/store"
)

var pngImage = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

type stubVision struct{}

func (stubVision) AnalyzeCover(context.Context, pipeline.CoverImage) (*pipeline.CoverAnalysis, error) {
	return &pipeline.CoverAnalysis{}, nil
}

type stubSearch struct{}

func (stubSearch) Search(context.Context, string, string) (*pipeline.BookMatch, error) {
	return nil, nil
}

type stubCatalog struct{}

func (stubCatalog) Search(context.Context, string, string) ([]pipeline.Candidate, error) {
	return nil, nil
}

func (stubCatalog) Download(context.Context, string, string, int64) (string, error) {
	return "", nil
}

type stubClassifier struct{}

func (stubClassifier) Classify(context.Context, string, int, bool) (locator.Label, error) {
	return locator.LabelContent, nil
}

// signingBlobs wraps a blob store and hands out http presigned URLs.
type signingBlobs struct {
	pipeline.BlobStore
}

func (signingBlobs) Presign(_ context.Context, u string, ttl time.Duration) (string, error) {
	return "https://blobs.example.com/signed?src=" + filepath.Base(u) + "&ttl=" + ttl.String(), nil
}

// newTestRuntime builds a runtime on the memory store. The queue is not
// started, so submitted uploads stay pending until a test runs a stage.
func newTestRuntime(t *testing.T, blobs pipeline.BlobStore) *Runtime {
	t.Helper()
	dir := t.TempDir()
	if blobs == nil {
		fs, err := blob.NewFSStore(filepath.Join(dir, "blobs"))
		if err != nil {
			t.Fatal(err)
		}
		blobs = fs
	}
	s := store.NewMemoryStore()
	q := queue.New(s)

	registry, err := providers.NewRegistry(&providers.MockClient{}, providers.Config{
		Prompts: map[string]string{"cover.system": "Read the cover."},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := pipeline.DefaultConfig()
	cfg.SpoolDir = filepath.Join(dir, "spool")
	cfg.DownloadDir = filepath.Join(dir, "downloads")
	p, err := pipeline.New(cfg, pipeline.Deps{
		Store:      s,
		Queue:      q,
		Blobs:      blobs,
		Vision:     stubVision{},
		Search:     stubSearch{},
		Catalog:    stubCatalog{},
		Classifier: stubClassifier{},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &Runtime{Store: s, Queue: q, Pipeline: p, Blobs: blobs, Providers: registry}
}

func newTestServer(t *testing.T, rt *Runtime) *httptest.Server {
	t.Helper()
	h, _ := home.New(t.TempDir())
	srv, err := New(Config{Runtime: rt, Home: h, PresignTTL: 5 * time.Minute})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func submit(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/uploads", "image/png", bytes.NewReader(pngImage))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/uploads = %d", resp.StatusCode)
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, resp, &out)
	if out.ID == "" || out.Status != string(store.StatusPending) {
		t.Fatalf("unexpected create response %+v", out)
	}
	return out.ID
}

func TestServer_New(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a runtime")
	}
	srv, err := New(Config{Runtime: &Runtime{}})
	if err != nil {
		t.Fatal(err)
	}
	if srv.Addr() != "127.0.0.1:8080" {
		t.Errorf("Addr() = %s, want default", srv.Addr())
	}
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, newTestRuntime(t, nil))

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]string
		decode(t, resp, &body)
		if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
			t.Errorf("GET %s = %d %v", path, resp.StatusCode, body)
		}
	}
}

func TestServer_NotInitialized(t *testing.T) {
	ts := newTestServer(t, &Runtime{})

	resp, err := http.Get(ts.URL + "/api/uploads")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	resp, _ = http.Get(ts.URL + "/ready")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready = %d, want 503 without a store", resp.StatusCode)
	}
}

func TestServer_Status(t *testing.T) {
	ts := newTestServer(t, newTestRuntime(t, nil))
	submit(t, ts)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Server string `json:"server"`
		Queue  struct {
			Workers int `json:"workers"`
			Pending int `json:"pending"`
		} `json:"queue"`
		Stages []string `json:"stages"`
	}
	decode(t, resp, &body)
	if body.Server != "running" || body.Queue.Pending != 1 || body.Queue.Workers == 0 {
		t.Errorf("status = %+v", body)
	}
	if len(body.Stages) != len(store.Stages) {
		t.Errorf("stages = %v", body.Stages)
	}
}

func TestServer_CreateUpload(t *testing.T) {
	ts := newTestServer(t, newTestRuntime(t, nil))

	t.Run("raw body", func(t *testing.T) {
		submit(t, ts)
	})

	t.Run("detects content type", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/uploads", "application/octet-stream", bytes.NewReader(pngImage))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("status = %d, want 202", resp.StatusCode)
		}
	})

	t.Run("multipart", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, _ := mw.CreateFormFile("image", "cover.png")
		fw.Write(pngImage)
		mw.Close()

		resp, err := http.Post(ts.URL+"/api/uploads", mw.FormDataContentType(), &buf)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("status = %d, want 202", resp.StatusCode)
		}
	})

	tests := []struct {
		name string
		body func() (io.Reader, string)
		want int
	}{
		{
			name: "empty body",
			body: func() (io.Reader, string) { return strings.NewReader(""), "image/png" },
			want: http.StatusBadRequest,
		},
		{
			name: "not an image",
			body: func() (io.Reader, string) { return strings.NewReader("hello, world"), "" },
			want: http.StatusUnsupportedMediaType,
		},
		{
			name: "multipart without image field",
			body: func() (io.Reader, string) {
				var buf bytes.Buffer
				mw := multipart.NewWriter(&buf)
				mw.WriteField("title", "Dune")
				mw.Close()
				return &buf, mw.FormDataContentType()
			},
			want: http.StatusBadRequest,
		},
		{
			name: "too large",
			body: func() (io.Reader, string) {
				return bytes.NewReader(make([]byte, 21<<20)), "image/jpeg"
			},
			want: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := tt.body()
			req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
			if ct != "" {
				req.Header.Set("Content-Type", ct)
			}
			rec := httptest.NewRecorder()
			ts.Config.Handler.ServeHTTP(rec, req)

			var e struct {
				Error string `json:"error"`
			}
			json.Unmarshal(rec.Body.Bytes(), &e)
			if rec.Code != tt.want || e.Error == "" {
				t.Errorf("status = %d (%q), want %d", rec.Code, e.Error, tt.want)
			}
		})
	}
}

func TestServer_GetAndListUploads(t *testing.T) {
	ts := newTestServer(t, newTestRuntime(t, nil))
	id := submit(t, ts)

	resp, err := http.Get(ts.URL + "/api/uploads/" + id)
	if err != nil {
		t.Fatal(err)
	}
	var u store.Upload
	decode(t, resp, &u)
	if u.ID != id || u.Status != store.StatusPending || u.ContentType != "image/png" {
		t.Errorf("upload = %+v", u)
	}

	resp, _ = http.Get(ts.URL + "/api/uploads/does-not-exist")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing upload = %d, want 404", resp.StatusCode)
	}

	tests := []struct {
		query  string
		status int
		total  int
	}{
		{"", http.StatusOK, 1},
		{"?status=pending", http.StatusOK, 1},
		{"?status=completed", http.StatusOK, 0},
		{"?status=bogus", http.StatusBadRequest, 0},
		{"?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run("list"+tt.query, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/api/uploads" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.status {
				resp.Body.Close()
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != http.StatusOK {
				resp.Body.Close()
				return
			}
			var out struct {
				Uploads []store.Upload `json:"uploads"`
				Total   int            `json:"total"`
			}
			decode(t, resp, &out)
			if out.Total != tt.total || len(out.Uploads) != tt.total {
				t.Errorf("total = %d, want %d", out.Total, tt.total)
			}
		})
	}
}

func TestServer_UploadHidesFilePath(t *testing.T) {
	rt := newTestRuntime(t, nil)
	ts := newTestServer(t, rt)
	id := submit(t, ts)

	if _, err := rt.Store.UpdateUpload(context.Background(), id, func(u *store.Upload) error {
		u.FilePath = "/srv/snapshelf/downloads/secret-book.epub"
		u.FileFormat = "epub"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/api/uploads/" + id, "/api/uploads"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if bytes.Contains(body, []byte("file_path")) || bytes.Contains(body, []byte("secret-book")) {
				t.Errorf("response leaks local path: %s", body)
			}
			if !bytes.Contains(body, []byte(`"file_format":"epub"`)) {
				t.Errorf("response missing file_format: %s", body)
			}
		})
	}
}

func TestServer_UploadImage(t *testing.T) {
	rt := newTestRuntime(t, nil)
	ts := newTestServer(t, rt)
	id := submit(t, ts)

	resp, _ := http.Get(ts.URL + "/api/uploads/" + id + "/image")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("image before ingest = %d, want 404", resp.StatusCode)
	}

	ingest, err := rt.Pipeline.Handler(store.StageIngest)
	if err != nil {
		t.Fatal(err)
	}
	if out, err := ingest.Handle(context.Background(), id); err != nil || out != pipeline.OutcomeAdvanced {
		t.Fatalf("ingest = %s, %v", out, err)
	}

	resp, err = http.Get(ts.URL + "/api/uploads/" + id + "/image")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Equal(data, pngImage) {
		t.Errorf("image = %d, %d bytes", resp.StatusCode, len(data))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %s", ct)
	}
}

func TestServer_UploadImageRedirect(t *testing.T) {
	fs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime(t, signingBlobs{fs})
	ts := newTestServer(t, rt)
	id := submit(t, ts)

	ingest, _ := rt.Pipeline.Handler(store.StageIngest)
	if _, err := ingest.Handle(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(ts.URL + "/api/uploads/" + id + "/image")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "https://blobs.example.com/signed") || !strings.Contains(loc, "ttl=5m0s") {
		t.Errorf("Location = %s", loc)
	}
}

func TestServer_GetBook(t *testing.T) {
	rt := newTestRuntime(t, nil)
	ts := newTestServer(t, rt)

	b, err := rt.Store.UpsertBook(context.Background(), &store.Book{
		Title:       "Dune",
		Author:      "Frank Herbert",
		Fiction:     true,
		Format:      "epub",
		SourceUnit:  3,
		PageContent: "Arrakis teaches the attitude of the knife.",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/books/" + b.ID)
	if err != nil {
		t.Fatal(err)
	}
	var got store.Book
	decode(t, resp, &got)
	if got.Title != "Dune" || got.SourceUnit != 3 || got.PageContent == "" {
		t.Errorf("book = %+v", got)
	}

	resp, _ = http.Get(ts.URL + "/api/books/missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing book = %d, want 404", resp.StatusCode)
	}
}

func TestServer_Prompts(t *testing.T) {
	ts := newTestServer(t, newTestRuntime(t, nil))

	resp, err := http.Get(ts.URL + "/api/prompts")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Prompts []struct {
			Key        string `json:"key"`
			IsOverride bool   `json:"is_override"`
		} `json:"prompts"`
	}
	decode(t, resp, &list)
	if len(list.Prompts) != 6 {
		t.Fatalf("prompts = %d, want 6", len(list.Prompts))
	}

	resp, err = http.Get(ts.URL + "/api/prompts/cover.system")
	if err != nil {
		t.Fatal(err)
	}
	var p struct {
		Text        string `json:"text"`
		IsOverride  bool   `json:"is_override"`
		Hash        string `json:"hash"`
		DefaultHash string `json:"default_hash"`
	}
	decode(t, resp, &p)
	if !p.IsOverride || p.Text != "Read the cover." || p.Hash == p.DefaultHash {
		t.Errorf("cover.system = %+v", p)
	}

	resp, _ = http.Get(ts.URL + "/api/prompts/nope.system")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown prompt = %d, want 404", resp.StatusCode)
	}
}

func TestServer_StartStop(t *testing.T) {
	rt := newTestRuntime(t, nil)
	srv, err := New(Config{Runtime: rt, Port: "0"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !srv.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !srv.IsRunning() {
		t.Fatal("server did not start")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	if srv.IsRunning() {
		t.Error("server still marked running")
	}
}

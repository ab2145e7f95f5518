package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/snapshelf/internal/locator"
	"github.com/jackzampolin/snapshelf/internal/queue"
	"github.com/jackzampolin/snapshelf/internal/store"
)

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{data: make(map[string][]byte)} }

func (b *memBlobs) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	url := "mem://" + key
	b.data[url] = append([]byte(nil), data...)
	return url, nil
}

func (b *memBlobs) Get(_ context.Context, url string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[url]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", url)
	}
	return d, nil
}

func (b *memBlobs) Presign(_ context.Context, url string, _ time.Duration) (string, error) {
	return url + "?signed", nil
}

type fakeVision struct {
	mu       sync.Mutex
	analysis *CoverAnalysis
	calls    int
}

func (v *fakeVision) AnalyzeCover(_ context.Context, img CoverImage) (*CoverAnalysis, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if len(img.Data) == 0 {
		return nil, errors.New("no image bytes")
	}
	a := *v.analysis
	return &a, nil
}

type fakeSearch struct {
	mu    sync.Mutex
	match *BookMatch
	calls int
}

func (s *fakeSearch) Search(context.Context, string, string) (*BookMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.match, nil
}

type fakeCatalog struct {
	mu        sync.Mutex
	cands     []Candidate
	files     map[string]string // downloadRef -> source file
	searched  []string
	downloads []string
}

func (c *fakeCatalog) Search(_ context.Context, title, last string) ([]Candidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searched = append(c.searched, title+"|"+last)
	return c.cands, nil
}

func (c *fakeCatalog) Download(_ context.Context, ref, dest string, _ int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloads = append(c.downloads, ref)
	src, ok := c.files[ref]
	if !ok {
		return "", fmt.Errorf("mirror returned 404 for %s", ref)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	return dest, os.WriteFile(dest, data, 0o644)
}

// byOrdinal labels units as CONTENT when listed.
type byOrdinal struct {
	mu      sync.Mutex
	content map[int]bool
	seen    []int
}

func (c *byOrdinal) Classify(_ context.Context, _ string, ordinal int, _ bool) (locator.Label, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, ordinal)
	if c.content[ordinal] {
		return locator.LabelContent, nil
	}
	return locator.LabelFrontmatter, nil
}

type markFormatter struct{}

func (markFormatter) Format(_ context.Context, raw string) (string, error) {
	return "FORMATTED\n" + raw, nil
}

var chapterText = []string{
	"Arrakis lies beneath a pale sky where the spice drifts over silent dunes and nobody walks openly.",
	"A beginning is the time for taking the most delicate care that the balances are correct, said Irulan.",
	"Paul remembered the crone and her needle, the gom jabbar pressed close against his neck in the dark.",
	"The sandworm rose from the desert floor while the harvester crew scrambled toward the waiting thopter.",
	"Stilgar watched the Fremen sietch prepare water rituals for those who had fallen during the raid.",
}

// writeNovel builds an EPUB with one chapter per chapterText entry.
func writeNovel(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dune-source.epub")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	mt, _ := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	mt.Write([]byte("application/epub+zip"))

	var manifest, spine, toc strings.Builder
	files := map[string]string{}
	for i, body := range chapterText {
		n := i + 1
		name := fmt.Sprintf("ch%d.xhtml", n)
		fmt.Fprintf(&manifest, `<item id="c%d" href="%s" media-type="application/xhtml+xml"/>`, n, name)
		fmt.Fprintf(&spine, `<itemref idref="c%d"/>`, n)
		fmt.Fprintf(&toc, `<li><a href="%s">Chapter %d</a></li>`, name, n)
		files["OEBPS/"+name] = fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml"><head></head><body><h1>Chapter %d</h1><p>%s</p></body></html>`, n, body)
	}
	files["META-INF/container.xml"] = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
<rootfiles><rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`
	files["OEBPS/content.opf"] = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="id">
<metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
<dc:identifier id="id">urn:isbn:9780441013593</dc:identifier><dc:title>Dune</dc:title><dc:language>en</dc:language>
</metadata>
<manifest><item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>` + manifest.String() + `</manifest>
<spine>` + spine.String() + `</spine>
</package>`
	files["OEBPS/nav.xhtml"] = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops"><head></head>
<body><nav epub:type="toc"><ol>` + toc.String() + `</ol></nav></body></html>`

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

type harness struct {
	store      *store.MemoryStore
	queue      *queue.Queue
	pipeline   *Pipeline
	blobs      *memBlobs
	vision     *fakeVision
	search     *fakeSearch
	catalog    *fakeCatalog
	classifier *byOrdinal
	cfg        Config
}

func ptr[T any](v T) *T { return &v }

func duneAnalysis(confidence float64) *CoverAnalysis {
	return &CoverAnalysis{
		IsBook:     true,
		Confidence: confidence,
		Title:      ptr("Dune"),
		Author:     ptr("Frank Herbert"),
		Fiction:    ptr(true),
		Raw:        []byte(`{"is_book":true}`),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		store:      store.NewMemoryStore(),
		blobs:      newMemBlobs(),
		vision:     &fakeVision{analysis: duneAnalysis(0.95)},
		search:     &fakeSearch{match: &BookMatch{Title: "Dune", Author: "Frank Herbert", ISBN: "9780441013593"}},
		catalog:    &fakeCatalog{files: map[string]string{}},
		classifier: &byOrdinal{content: map[int]bool{2: true, 4: true}},
	}
	h.queue = queue.New(h.store, queue.WithWorkers(2), queue.WithBackoff(time.Millisecond, 5*time.Millisecond))

	h.cfg = DefaultConfig()
	h.cfg.SpoolDir = filepath.Join(dir, "spool")
	h.cfg.DownloadDir = filepath.Join(dir, "downloads")
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	p, err := New(h.cfg, Deps{
		Store:      h.store,
		Queue:      h.queue,
		Blobs:      h.blobs,
		Vision:     h.vision,
		Search:     h.search,
		Catalog:    h.catalog,
		Classifier: h.classifier,
		Formatter:  markFormatter{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.pipeline = p

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.queue.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) submit(t *testing.T) *store.Upload {
	t.Helper()
	u, err := h.pipeline.Submit(context.Background(), []byte("\xff\xd8jpeg-bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.queue.WaitIdle(ctx); err != nil {
		t.Fatalf("pipeline did not settle: %v", err)
	}
	got, err := h.store.GetUpload(context.Background(), u.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func (h *harness) stagesRun(t *testing.T, uploadID string) []string {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), uploadID)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, task := range tasks {
		out = append(out, task.Stage)
	}
	return out
}

func TestPipeline_EndToEndDune(t *testing.T) {
	h := newHarness(t)
	h.catalog.cands = []Candidate{{Format: "epub", SizeBytes: 1 << 20, DownloadRef: "md5-dune"}}
	h.catalog.files["md5-dune"] = writeNovel(t)
	h.start(t)

	u := h.submit(t)

	if u.Status != store.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", u.Status, u.Message)
	}
	if u.BookID == "" {
		t.Fatal("BookID not set")
	}
	if !strings.HasPrefix(u.ImageURL, "mem://covers/") || !strings.HasSuffix(u.ImageURL, ".jpg") {
		t.Errorf("ImageURL = %q", u.ImageURL)
	}
	if u.ExtractedTitle != "Dune" || u.RefinedAuthor != "Frank Herbert" || u.ISBN != "9780441013593" {
		t.Errorf("identity not recorded: %+v", u)
	}
	if got := h.catalog.searched; len(got) != 1 || got[0] != "Dune|Herbert" {
		t.Errorf("catalogue searched with %v", got)
	}

	book, err := h.store.GetBook(context.Background(), u.BookID)
	if err != nil {
		t.Fatal(err)
	}
	if book.SourceUnit != 4 {
		t.Errorf("excerpt from unit %d, want chapter 4", book.SourceUnit)
	}
	if !strings.HasPrefix(book.PageContent, "FORMATTED\n") || !strings.Contains(book.PageContent, "sandworm") {
		t.Errorf("PageContent = %q", book.PageContent)
	}
	if book.Format != "epub" || !book.Fiction {
		t.Errorf("book = %+v", book)
	}

	want := []string{store.StageIngest, store.StageVision, store.StageIdentity, store.StageAcquire, store.StageExtraction}
	if got := h.stagesRun(t, u.ID); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("stages run = %v, want %v", got, want)
	}
	if _, err := os.Stat(u.FilePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("download should be removed after extraction, stat err = %v", err)
	}
	if _, err := os.Stat(spoolPath(h.cfg.SpoolDir, u.ID)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("spooled image should be removed after ingest, stat err = %v", err)
	}
}

func TestPipeline_LowConfidenceStopsAfterVision(t *testing.T) {
	h := newHarness(t)
	h.vision.analysis = duneAnalysis(0.05)
	h.start(t)

	u := h.submit(t)

	if u.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", u.Status)
	}
	if !strings.Contains(u.Message, "retake the photo") {
		t.Errorf("Message = %q", u.Message)
	}
	if u.VisionRaw == "" || u.ExtractedTitle != "Dune" {
		t.Errorf("vision output should be kept for diagnostics: %+v", u)
	}
	got := h.stagesRun(t, u.ID)
	if strings.Join(got, ",") != store.StageIngest+","+store.StageVision {
		t.Errorf("stages run = %v, want only ingest and vision", got)
	}
	if h.search.calls != 0 || len(h.catalog.searched) != 0 {
		t.Error("later stages must not run")
	}
}

func TestPipeline_NotABook(t *testing.T) {
	h := newHarness(t)
	h.vision.analysis = &CoverAnalysis{IsBook: false, Confidence: 0.99, Raw: []byte(`{}`)}
	h.start(t)

	u := h.submit(t)
	if u.Status != store.StatusFailed || h.search.calls != 0 {
		t.Errorf("status = %s, search calls = %d", u.Status, h.search.calls)
	}
}

func TestPipeline_ShortcutToExistingBook(t *testing.T) {
	h := newHarness(t)
	existing, err := h.store.UpsertBook(context.Background(), &store.Book{
		Title: "Dune", Author: "Frank Herbert", Fiction: true, PageContent: "already here",
	})
	if err != nil {
		t.Fatal(err)
	}
	h.start(t)

	u := h.submit(t)
	if u.Status != store.StatusCompleted || u.BookID != existing.ID {
		t.Fatalf("upload = %s book=%s, want completed with %s", u.Status, u.BookID, existing.ID)
	}
	if h.search.calls != 0 {
		t.Error("identity stage ran despite the shortcut")
	}
}

func TestPipeline_NoMatchProceedsWithExtractedIdentity(t *testing.T) {
	h := newHarness(t)
	h.search.match = nil
	h.catalog.cands = []Candidate{{Format: "epub", SizeBytes: 1 << 20, DownloadRef: "md5-dune"}}
	h.catalog.files["md5-dune"] = writeNovel(t)
	h.start(t)

	u := h.submit(t)
	if u.Status != store.StatusCompleted {
		t.Fatalf("status = %s (%s)", u.Status, u.Message)
	}
	if u.RefinedTitle != "" {
		t.Errorf("RefinedTitle = %q, want empty", u.RefinedTitle)
	}
	book, _ := h.store.GetBook(context.Background(), u.BookID)
	if book.Title != "Dune" || book.Author != "Frank Herbert" {
		t.Errorf("book keyed on %q/%q", book.Title, book.Author)
	}
}

func TestPipeline_SizeCeilingFailsUpload(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxBytes = 100 << 20
	h.catalog.cands = []Candidate{{Format: "epub", SizeBytes: 150 << 20, DownloadRef: "md5-huge"}}
	h.start(t)

	u := h.submit(t)
	if u.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", u.Status)
	}
	if len(h.catalog.downloads) != 0 {
		t.Errorf("oversized candidate was downloaded: %v", h.catalog.downloads)
	}
	if u.Message != msgNoCandidates {
		t.Errorf("Message = %q", u.Message)
	}
}

func TestPipeline_DownloadFallsBackToNextCandidate(t *testing.T) {
	h := newHarness(t)
	h.catalog.cands = []Candidate{
		{Format: "epub", SizeBytes: 5 << 20, DownloadRef: "md5-dead-mirror"},
		{Format: "epub", SizeBytes: 1 << 20, DownloadRef: "md5-dune"},
	}
	h.catalog.files["md5-dune"] = writeNovel(t)
	h.cfg.KeepDownloads = true
	h.start(t)

	u := h.submit(t)
	if u.Status != store.StatusCompleted {
		t.Fatalf("status = %s (%s)", u.Status, u.Message)
	}
	if got := strings.Join(h.catalog.downloads, ","); got != "md5-dead-mirror,md5-dune" {
		t.Errorf("downloads = %s", got)
	}
	if _, err := os.Stat(u.FilePath); err != nil {
		t.Errorf("download should be kept: %v", err)
	}
}

func TestPipeline_AllDownloadsFail(t *testing.T) {
	h := newHarness(t)
	h.catalog.cands = []Candidate{{Format: "pdf", SizeBytes: 1 << 20, DownloadRef: "md5-gone"}}
	h.start(t)

	u := h.submit(t)
	if u.Status != store.StatusFailed || u.Message != msgDownload {
		t.Errorf("upload = %s %q", u.Status, u.Message)
	}
}

func TestPipeline_SubmitRejectsEmptyImage(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	if _, err := h.pipeline.Submit(context.Background(), nil, "image/png"); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("expected ErrEmptyImage, got %v", err)
	}
}

func TestPipeline_StalledAndRequeue(t *testing.T) {
	h := newHarness(t)
	h.catalog.cands = []Candidate{{Format: "epub", SizeBytes: 1 << 20, DownloadRef: "md5-dune"}}
	h.catalog.files["md5-dune"] = writeNovel(t)
	h.start(t)
	ctx := context.Background()

	// An upload whose identity stage finished but whose next task was lost.
	stuck := &store.Upload{Status: store.StatusProcessing, Stage: store.StageIdentity,
		ExtractedTitle: "Dune", ExtractedAuthor: "Frank Herbert", ExtractedFiction: ptr(true)}
	if err := h.store.CreateUpload(ctx, stuck); err != nil {
		t.Fatal(err)
	}

	stalled, err := h.pipeline.Stalled(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 1 || stalled[0].ID != stuck.ID {
		t.Fatalf("Stalled() = %v", stalled)
	}

	next, err := h.pipeline.Requeue(ctx, stalled[0])
	if err != nil || next != store.StageAcquire {
		t.Fatalf("Requeue() = %s, %v", next, err)
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.queue.WaitIdle(wctx); err != nil {
		t.Fatal(err)
	}
	u, _ := h.store.GetUpload(ctx, stuck.ID)
	if u.Status != store.StatusCompleted {
		t.Errorf("requeued upload = %s (%s)", u.Status, u.Message)
	}
	if stalled, _ := h.pipeline.Stalled(ctx, 0); len(stalled) != 0 {
		t.Errorf("completed upload still reported stalled: %v", stalled)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	h := newHarness(t)
	_, err := New(h.cfg, Deps{Store: h.store, Queue: h.queue})
	if err == nil {
		t.Fatal("expected missing collaborator error")
	}
}

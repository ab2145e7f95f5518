package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/snapshelf/internal/defra"
)

var uploadFields = []string{
	"uid", "image_url", "content_type", "extracted_title", "extracted_author", "extracted_fiction",
	"confidence", "vision_raw", "refined_title", "refined_author", "isbn", "file_path", "file_format",
	"book_id", "status", "stage", "message", "created_at", "updated_at",
}

var bookFields = []string{
	"title", "author", "fiction", "isbn", "format", "source_unit", "page_content", "created_at", "updated_at",
}

var taskFields = []string{
	"tid", "stage", "upload_id", "attempts", "status", "last_error", "created_at", "updated_at",
}

// DefraStore implements Store on DefraDB collections Upload, Book and Task.
// DefraDB has no multi-document transactions; UpdateUpload is serialized
// inside this process only.
type DefraStore struct {
	client *defra.Client
	mu     sync.Mutex
	now    func() time.Time
}

// NewDefraStore wraps a DefraDB client.
func NewDefraStore(client *defra.Client) *DefraStore {
	return &DefraStore{client: client, now: time.Now}
}

func (s *DefraStore) CreateUpload(ctx context.Context, u *Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = StatusPending
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	if _, err := s.client.Create(ctx, "Upload", uploadDoc(u)); err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

func (s *DefraStore) GetUpload(ctx context.Context, id string) (*Upload, error) {
	u, _, err := s.findUpload(ctx, id)
	return u, err
}

func (s *DefraStore) findUpload(ctx context.Context, id string) (*Upload, string, error) {
	docs, err := s.client.Find(ctx, "Upload", map[string]any{"uid": map[string]any{"_eq": id}}, uploadFields)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query upload: %w", err)
	}
	if len(docs) == 0 {
		return nil, "", ErrNotFound
	}
	docID, _ := docs[0]["_docID"].(string)
	return parseUpload(docs[0]), docID, nil
}

func (s *DefraStore) ListUploads(ctx context.Context, f UploadFilter) ([]*Upload, error) {
	var filter map[string]any
	if f.Status != "" {
		filter = map[string]any{"status": map[string]any{"_eq": string(f.Status)}}
	}
	docs, err := s.client.Find(ctx, "Upload", filter, uploadFields)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	out := make([]*Upload, 0, len(docs))
	for _, d := range docs {
		out = append(out, parseUpload(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *DefraStore) UpdateUpload(ctx context.Context, id string, fn Mutator) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, docID, err := s.findUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := applyMutation(cur, fn, s.now())
	if err != nil {
		return nil, err
	}
	doc := uploadDoc(next)
	delete(doc, "uid")
	delete(doc, "created_at")
	if err := s.client.Update(ctx, "Upload", docID, doc); err != nil {
		return nil, fmt.Errorf("failed to update upload: %w", err)
	}
	return next, nil
}

func (s *DefraStore) UpsertBook(ctx context.Context, b *Book) (*Book, error) {
	key := b.Key()
	now := s.now().UTC().Format(time.RFC3339Nano)
	create := map[string]any{
		"title":        b.Title,
		"author":       b.Author,
		"fiction":      b.Fiction,
		"isbn":         b.ISBN,
		"format":       b.Format,
		"source_unit":  b.SourceUnit,
		"page_content": b.PageContent,
		"created_at":   now,
		"updated_at":   now,
	}
	update := map[string]any{
		"page_content": b.PageContent,
		"source_unit":  b.SourceUnit,
		"format":       b.Format,
		"updated_at":   now,
	}
	if b.ISBN != "" {
		update["isbn"] = b.ISBN
	}
	if _, err := s.client.Upsert(ctx, "Book", bookFilter(key), create, update); err != nil {
		return nil, fmt.Errorf("failed to upsert book: %w", err)
	}
	return s.FindBook(ctx, key)
}

func (s *DefraStore) FindBook(ctx context.Context, key BookKey) (*Book, error) {
	docs, err := s.client.Find(ctx, "Book", bookFilter(key), bookFields)
	if err != nil {
		return nil, fmt.Errorf("failed to query book: %w", err)
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return parseBook(docs[0]), nil
}

func (s *DefraStore) GetBook(ctx context.Context, id string) (*Book, error) {
	docs, err := s.client.Find(ctx, "Book", map[string]any{"_docID": map[string]any{"_eq": id}}, bookFields)
	if err != nil {
		return nil, fmt.Errorf("failed to query book: %w", err)
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return parseBook(docs[0]), nil
}

func (s *DefraStore) SaveTask(ctx context.Context, t *Task) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	create := map[string]any{
		"tid":        t.ID,
		"stage":      t.Stage,
		"upload_id":  t.UploadID,
		"attempts":   t.Attempts,
		"status":     string(t.Status),
		"last_error": t.LastError,
		"created_at": formatTime(t.CreatedAt),
		"updated_at": formatTime(t.UpdatedAt),
	}
	update := map[string]any{
		"attempts":   t.Attempts,
		"status":     string(t.Status),
		"last_error": t.LastError,
		"updated_at": formatTime(t.UpdatedAt),
	}
	_, err := s.client.Upsert(ctx, "Task", map[string]any{"tid": map[string]any{"_eq": t.ID}}, create, update)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *DefraStore) PendingTasks(ctx context.Context) ([]*Task, error) {
	return s.findTasks(ctx, map[string]any{
		"status": map[string]any{"_in": []any{string(TaskQueued), string(TaskRunning)}},
	})
}

func (s *DefraStore) ListTasks(ctx context.Context, uploadID string) ([]*Task, error) {
	var filter map[string]any
	if uploadID != "" {
		filter = map[string]any{"upload_id": map[string]any{"_eq": uploadID}}
	}
	return s.findTasks(ctx, filter)
}

func (s *DefraStore) findTasks(ctx context.Context, filter map[string]any) ([]*Task, error) {
	docs, err := s.client.Find(ctx, "Task", filter, taskFields)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	out := make([]*Task, 0, len(docs))
	for _, d := range docs {
		out = append(out, &Task{
			ID:        str(d, "tid"),
			Stage:     str(d, "stage"),
			UploadID:  str(d, "upload_id"),
			Attempts:  num(d, "attempts"),
			Status:    TaskStatus(str(d, "status")),
			LastError: str(d, "last_error"),
			CreatedAt: parseTime(d, "created_at"),
			UpdatedAt: parseTime(d, "updated_at"),
		})
	}
	sortTasks(out)
	return out, nil
}

func (s *DefraStore) Ping(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func (s *DefraStore) Close() error { return nil }

func bookFilter(k BookKey) map[string]any {
	return map[string]any{
		"title":   map[string]any{"_eq": k.Title},
		"author":  map[string]any{"_eq": k.Author},
		"fiction": map[string]any{"_eq": k.Fiction},
	}
}

func uploadDoc(u *Upload) map[string]any {
	doc := map[string]any{
		"uid":              u.ID,
		"image_url":        u.ImageURL,
		"content_type":     u.ContentType,
		"extracted_title":  u.ExtractedTitle,
		"extracted_author": u.ExtractedAuthor,
		"vision_raw":       u.VisionRaw,
		"refined_title":    u.RefinedTitle,
		"refined_author":   u.RefinedAuthor,
		"isbn":             u.ISBN,
		"file_path":        u.FilePath,
		"file_format":      u.FileFormat,
		"book_id":          u.BookID,
		"status":           string(u.Status),
		"stage":            u.Stage,
		"message":          u.Message,
		"created_at":       formatTime(u.CreatedAt),
		"updated_at":       formatTime(u.UpdatedAt),
	}
	if u.ExtractedFiction != nil {
		doc["extracted_fiction"] = *u.ExtractedFiction
	}
	if u.Confidence != nil {
		doc["confidence"] = *u.Confidence
	}
	return doc
}

func parseUpload(d map[string]any) *Upload {
	u := &Upload{
		ID:              str(d, "uid"),
		ImageURL:        str(d, "image_url"),
		ContentType:     str(d, "content_type"),
		ExtractedTitle:  str(d, "extracted_title"),
		ExtractedAuthor: str(d, "extracted_author"),
		VisionRaw:       str(d, "vision_raw"),
		RefinedTitle:    str(d, "refined_title"),
		RefinedAuthor:   str(d, "refined_author"),
		ISBN:            str(d, "isbn"),
		FilePath:        str(d, "file_path"),
		FileFormat:      str(d, "file_format"),
		BookID:          str(d, "book_id"),
		Status:          Status(str(d, "status")),
		Stage:           str(d, "stage"),
		Message:         str(d, "message"),
		CreatedAt:       parseTime(d, "created_at"),
		UpdatedAt:       parseTime(d, "updated_at"),
	}
	if v, ok := d["extracted_fiction"].(bool); ok {
		u.ExtractedFiction = &v
	}
	if v, ok := d["confidence"].(float64); ok {
		u.Confidence = &v
	}
	return u
}

func parseBook(d map[string]any) *Book {
	fiction, _ := d["fiction"].(bool)
	return &Book{
		ID:          str(d, "_docID"),
		Title:       str(d, "title"),
		Author:      str(d, "author"),
		Fiction:     fiction,
		ISBN:        str(d, "isbn"),
		Format:      str(d, "format"),
		SourceUnit:  num(d, "source_unit"),
		PageContent: str(d, "page_content"),
		CreatedAt:   parseTime(d, "created_at"),
		UpdatedAt:   parseTime(d, "updated_at"),
	}
}

func str(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}

func num(d map[string]any, key string) int {
	f, _ := d[key].(float64)
	return int(f)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(d map[string]any, key string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, str(d, key))
	return t
}

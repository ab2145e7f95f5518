package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory.
// Used by tests and by `serve --store memory` for throwaway runs.
type MemoryStore struct {
	mu sync.RWMutex

	uploads map[string]*Upload
	books   map[string]*Book
	bookKey map[BookKey]string
	tasks   map[string]*Task

	// UpdateErr, when set, is returned by UpdateUpload before any change.
	UpdateErr error

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads: make(map[string]*Upload),
		books:   make(map[string]*Book),
		bookKey: make(map[BookKey]string),
		tasks:   make(map[string]*Task),
		now:     time.Now,
	}
}

func (m *MemoryStore) CreateUpload(_ context.Context, u *Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = StatusPending
	}
	now := m.now()
	u.CreatedAt, u.UpdatedAt = now, now
	m.uploads[u.ID] = u.Clone()
	return nil
}

func (m *MemoryStore) GetUpload(_ context.Context, id string) (*Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.uploads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (m *MemoryStore) ListUploads(_ context.Context, f UploadFilter) ([]*Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Upload, 0, len(m.uploads))
	for _, u := range m.uploads {
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateUpload(_ context.Context, id string, fn Mutator) (*Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateErr != nil {
		return nil, m.UpdateErr
	}
	cur, ok := m.uploads[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := applyMutation(cur, fn, m.now())
	if err != nil {
		return nil, err
	}
	m.uploads[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) UpsertBook(_ context.Context, b *Book) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if id, ok := m.bookKey[b.Key()]; ok {
		existing := m.books[id]
		existing.PageContent = b.PageContent
		existing.SourceUnit = b.SourceUnit
		existing.Format = b.Format
		if b.ISBN != "" {
			existing.ISBN = b.ISBN
		}
		existing.UpdatedAt = now
		c := *existing
		return &c, nil
	}

	nb := *b
	nb.ID = uuid.NewString()
	nb.CreatedAt, nb.UpdatedAt = now, now
	m.books[nb.ID] = &nb
	m.bookKey[nb.Key()] = nb.ID
	c := nb
	return &c, nil
}

func (m *MemoryStore) FindBook(_ context.Context, key BookKey) (*Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bookKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.books[id]
	return &c, nil
}

func (m *MemoryStore) GetBook(_ context.Context, id string) (*Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

// BookCount returns the number of stored books.
func (m *MemoryStore) BookCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.books)
}

func (m *MemoryStore) SaveTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	c := *t
	m.tasks[t.ID] = &c
	return nil
}

func (m *MemoryStore) PendingTasks(_ context.Context) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Status == TaskQueued || t.Status == TaskRunning {
			c := *t
			out = append(out, &c)
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) ListTasks(_ context.Context, uploadID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if uploadID == "" || t.UploadID == uploadID {
			c := *t
			out = append(out, &c)
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func sortTasks(ts []*Task) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].CreatedAt.Before(ts[j].CreatedAt) })
}

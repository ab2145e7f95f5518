package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS uploads (
	id                TEXT PRIMARY KEY,
	image_url         TEXT NOT NULL DEFAULT '',
	content_type      TEXT NOT NULL DEFAULT '',
	extracted_title   TEXT NOT NULL DEFAULT '',
	extracted_author  TEXT NOT NULL DEFAULT '',
	extracted_fiction INTEGER,
	confidence        REAL,
	vision_raw        TEXT NOT NULL DEFAULT '',
	refined_title     TEXT NOT NULL DEFAULT '',
	refined_author    TEXT NOT NULL DEFAULT '',
	isbn              TEXT NOT NULL DEFAULT '',
	file_path         TEXT NOT NULL DEFAULT '',
	file_format       TEXT NOT NULL DEFAULT '',
	book_id           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	stage             TEXT NOT NULL DEFAULT '',
	message           TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS uploads_status ON uploads(status);

CREATE TABLE IF NOT EXISTS books (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	author       TEXT NOT NULL,
	fiction      INTEGER NOT NULL,
	isbn         TEXT NOT NULL DEFAULT '',
	format       TEXT NOT NULL DEFAULT '',
	source_unit  INTEGER NOT NULL DEFAULT 0,
	page_content TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE (title, author, fiction)
);

CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	upload_id  TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS tasks_upload ON tasks(upload_id);
`

const uploadColumns = `id, image_url, content_type, extracted_title, extracted_author, extracted_fiction,
	confidence, vision_raw, refined_title, refined_author, isbn, file_path, file_format,
	book_id, status, stage, message, created_at, updated_at`

const bookColumns = `id, title, author, fiction, isbn, format, source_unit, page_content, created_at, updated_at`

const taskColumns = `id, stage, upload_id, attempts, status, last_error, created_at, updated_at`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection serializes read-modify-write in UpdateUpload.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) CreateUpload(ctx context.Context, u *Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = StatusPending
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO uploads (`+uploadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, uploadArgs(u)...)
	if err != nil {
		return fmt.Errorf("failed to insert upload: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUpload(ctx context.Context, id string) (*Upload, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	return scanUpload(row)
}

func (s *SQLiteStore) ListUploads(ctx context.Context, f UploadFilter) ([]*Upload, error) {
	q := `SELECT ` + uploadColumns + ` FROM uploads`
	var args []any
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var out []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateUpload(ctx context.Context, id string, fn Mutator) (*Upload, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanUpload(tx.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	next, err := applyMutation(cur, fn, s.now())
	if err != nil {
		return nil, err
	}

	// created_at is never rewritten.
	args := uploadArgs(next)
	set := make([]any, 0, len(args))
	set = append(set, args[1:17]...)
	set = append(set, args[18], id)
	_, err = tx.ExecContext(ctx, `UPDATE uploads SET
		image_url = ?, content_type = ?, extracted_title = ?, extracted_author = ?, extracted_fiction = ?,
		confidence = ?, vision_raw = ?, refined_title = ?, refined_author = ?, isbn = ?, file_path = ?,
		file_format = ?, book_id = ?, status = ?, stage = ?, message = ?, updated_at = ?
		WHERE id = ?`, set...)
	if err != nil {
		return nil, fmt.Errorf("failed to update upload: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upload update: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) UpsertBook(ctx context.Context, b *Book) (*Book, error) {
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx, `INSERT INTO books (`+bookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (title, author, fiction) DO UPDATE SET
			page_content = excluded.page_content,
			source_unit = excluded.source_unit,
			format = excluded.format,
			isbn = CASE WHEN excluded.isbn != '' THEN excluded.isbn ELSE books.isbn END,
			updated_at = excluded.updated_at`,
		uuid.NewString(), b.Title, b.Author, b.Fiction, b.ISBN, b.Format, b.SourceUnit, b.PageContent, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert book: %w", err)
	}
	return s.FindBook(ctx, b.Key())
}

func (s *SQLiteStore) FindBook(ctx context.Context, key BookKey) (*Book, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books
		WHERE title = ? AND author = ? AND fiction = ?`, key.Title, key.Author, key.Fiction)
	return scanBook(row)
}

func (s *SQLiteStore) GetBook(ctx context.Context, id string) (*Book, error) {
	return scanBook(s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id))
}

func (s *SQLiteStore) SaveTask(ctx context.Context, t *Task) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			attempts = excluded.attempts,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		t.ID, t.Stage, t.UploadID, t.Attempts, string(t.Status), t.LastError,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PendingTasks(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?) ORDER BY created_at`,
		string(TaskQueued), string(TaskRunning))
}

func (s *SQLiteStore) ListTasks(ctx context.Context, uploadID string) ([]*Task, error) {
	if uploadID == "" {
		return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE upload_id = ? ORDER BY created_at`, uploadID)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) queryTasks(ctx context.Context, q string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var (
			t                    Task
			status               string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&t.ID, &t.Stage, &t.UploadID, &t.Attempts, &status, &t.LastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Status = TaskStatus(status)
		t.CreatedAt = time.Unix(0, createdAt)
		t.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func uploadArgs(u *Upload) []any {
	var fiction sql.NullBool
	if u.ExtractedFiction != nil {
		fiction = sql.NullBool{Bool: *u.ExtractedFiction, Valid: true}
	}
	var confidence sql.NullFloat64
	if u.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *u.Confidence, Valid: true}
	}
	return []any{
		u.ID, u.ImageURL, u.ContentType, u.ExtractedTitle, u.ExtractedAuthor, fiction,
		confidence, u.VisionRaw, u.RefinedTitle, u.RefinedAuthor, u.ISBN, u.FilePath, u.FileFormat,
		u.BookID, string(u.Status), u.Stage, u.Message, u.CreatedAt.UnixNano(), u.UpdatedAt.UnixNano(),
	}
}

func scanUpload(row rowScanner) (*Upload, error) {
	var (
		u                    Upload
		fiction              sql.NullBool
		confidence           sql.NullFloat64
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&u.ID, &u.ImageURL, &u.ContentType, &u.ExtractedTitle, &u.ExtractedAuthor, &fiction,
		&confidence, &u.VisionRaw, &u.RefinedTitle, &u.RefinedAuthor, &u.ISBN, &u.FilePath, &u.FileFormat,
		&u.BookID, &status, &u.Stage, &u.Message, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan upload: %w", err)
	}
	if fiction.Valid {
		v := fiction.Bool
		u.ExtractedFiction = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		u.Confidence = &v
	}
	u.Status = Status(status)
	u.CreatedAt = time.Unix(0, createdAt)
	u.UpdatedAt = time.Unix(0, updatedAt)
	return &u, nil
}

func scanBook(row rowScanner) (*Book, error) {
	var (
		b                    Book
		createdAt, updatedAt int64
	)
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.Fiction, &b.ISBN, &b.Format, &b.SourceUnit,
		&b.PageContent, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan book: %w", err)
	}
	b.CreatedAt = time.Unix(0, createdAt)
	b.UpdatedAt = time.Unix(0, updatedAt)
	return &b, nil
}

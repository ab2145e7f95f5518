// Package store holds the Upload, Book and Task records shared by the
// pipeline stages, and the persistence backends behind them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTerminal is returned when mutating an upload that is completed or failed.
	ErrTerminal = errors.New("upload is in a terminal state")
	// ErrInvalidTransition is returned for a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStale is returned by a mutator when the record moved on since it was read.
	ErrStale = errors.New("upload advanced by another worker")
)

// Status is the lifecycle state of an upload.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether an upload in status from may move to status to.
// processing may be re-entered once per stage.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Stage names, in pipeline order.
const (
	StageNone       = ""
	StageIngest     = "ingest"
	StageVision     = "vision"
	StageIdentity   = "identity"
	StageAcquire    = "acquisition"
	StageExtraction = "extraction"
)

// Stages lists stage names in execution order.
var Stages = []string{StageIngest, StageVision, StageIdentity, StageAcquire, StageExtraction}

// PreviousStage returns the stage that must have finished before stage runs.
func PreviousStage(stage string) string {
	for i, s := range Stages {
		if s == stage {
			if i == 0 {
				return StageNone
			}
			return Stages[i-1]
		}
	}
	return StageNone
}

// NextStage returns the stage after stage, or "" for the last one.
func NextStage(stage string) string {
	if stage == StageNone {
		return Stages[0]
	}
	for i, s := range Stages {
		if s == stage && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return StageNone
}

// Upload is the per-submission work record threaded through every stage.
type Upload struct {
	ID          string `json:"id"`
	ImageURL    string `json:"image_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// Vision output. Written once.
	ExtractedTitle   string   `json:"extracted_title,omitempty"`
	ExtractedAuthor  string   `json:"extracted_author,omitempty"`
	ExtractedFiction *bool    `json:"extracted_fiction,omitempty"`
	Confidence       *float64 `json:"confidence,omitempty"`
	VisionRaw        string   `json:"vision_raw,omitempty"`

	RefinedTitle  string `json:"refined_title,omitempty"`
	RefinedAuthor string `json:"refined_author,omitempty"`
	ISBN          string `json:"isbn,omitempty"`

	FilePath   string `json:"-"`
	FileFormat string `json:"file_format,omitempty"`

	BookID  string `json:"book_id,omitempty"`
	Status  Status `json:"status"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Title returns the refined title when present, else the extracted one.
func (u *Upload) Title() string {
	if u.RefinedTitle != "" {
		return u.RefinedTitle
	}
	return u.ExtractedTitle
}

// Author returns the refined author when present, else the extracted one.
func (u *Upload) Author() string {
	if u.RefinedAuthor != "" {
		return u.RefinedAuthor
	}
	return u.ExtractedAuthor
}

// Fiction returns the vision fiction flag, false when unknown.
func (u *Upload) Fiction() bool {
	return u.ExtractedFiction != nil && *u.ExtractedFiction
}

// SetStatus moves the upload to status to, enforcing the lifecycle.
func (u *Upload) SetStatus(to Status) error {
	if u.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, u.Status)
	}
	if !CanTransition(u.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.Status, to)
	}
	u.Status = to
	return nil
}

// Clone returns a deep copy of u.
func (u *Upload) Clone() *Upload {
	c := *u
	if u.ExtractedFiction != nil {
		v := *u.ExtractedFiction
		c.ExtractedFiction = &v
	}
	if u.Confidence != nil {
		v := *u.Confidence
		c.Confidence = &v
	}
	return &c
}

// Book is the deduplicated canonical book, keyed by (Title, Author, Fiction).
type Book struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Fiction     bool      `json:"fiction"`
	ISBN        string    `json:"isbn,omitempty"`
	Format      string    `json:"format,omitempty"`
	SourceUnit  int       `json:"source_unit,omitempty"`
	PageContent string    `json:"page_content,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BookKey is the natural key of a Book.
type BookKey struct {
	Title   string
	Author  string
	Fiction bool
}

// Key returns the natural key of b.
func (b *Book) Key() BookKey {
	return BookKey{Title: b.Title, Author: b.Author, Fiction: b.Fiction}
}

// TaskStatus is the state of a durable queue task.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskDead    TaskStatus = "dead"
)

// Task is a durable queue entry for one stage of one upload.
type Task struct {
	ID        string     `json:"id"`
	Stage     string     `json:"stage"`
	UploadID  string     `json:"upload_id"`
	Attempts  int        `json:"attempts"`
	Status    TaskStatus `json:"status"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UploadFilter narrows ListUploads.
type UploadFilter struct {
	Status Status
	Limit  int
}

// Mutator edits an upload in place. Returning an error aborts the update.
type Mutator func(u *Upload) error

// Store is the persistence contract used by the pipeline, queue and server.
type Store interface {
	CreateUpload(ctx context.Context, u *Upload) error
	GetUpload(ctx context.Context, id string) (*Upload, error)
	ListUploads(ctx context.Context, f UploadFilter) ([]*Upload, error)
	// UpdateUpload applies fn to the current record and persists the result.
	// Terminal uploads are rejected before fn runs.
	UpdateUpload(ctx context.Context, id string, fn Mutator) (*Upload, error)

	// UpsertBook creates or updates the Book with b's natural key and returns it.
	UpsertBook(ctx context.Context, b *Book) (*Book, error)
	FindBook(ctx context.Context, key BookKey) (*Book, error)
	GetBook(ctx context.Context, id string) (*Book, error)

	SaveTask(ctx context.Context, t *Task) error
	PendingTasks(ctx context.Context) ([]*Task, error)
	ListTasks(ctx context.Context, uploadID string) ([]*Task, error)

	Ping(ctx context.Context) error
	Close() error
}

// applyMutation runs fn against a copy of cur, validating the lifecycle.
// The returned upload carries the new UpdatedAt.
func applyMutation(cur *Upload, fn Mutator, now time.Time) (*Upload, error) {
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, cur.Status)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.ID != cur.ID {
		return nil, fmt.Errorf("upload id is immutable")
	}
	if next.Status != cur.Status && !CanTransition(cur.Status, next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}
	if !next.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next.Status)
	}
	if cur.ExtractedTitle != "" && next.ExtractedTitle != cur.ExtractedTitle ||
		cur.ExtractedAuthor != "" && next.ExtractedAuthor != cur.ExtractedAuthor ||
		cur.ExtractedFiction != nil && (next.ExtractedFiction == nil || *next.ExtractedFiction != *cur.ExtractedFiction) ||
		cur.Confidence != nil && (next.Confidence == nil || *next.Confidence != *cur.Confidence) {
		return nil, fmt.Errorf("extracted vision fields are write-once")
	}
	next.UpdatedAt = now
	return next, nil
}

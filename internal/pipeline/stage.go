package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackzampolin/snapshelf/internal/store"
)

// Stage is the business logic of one pipeline step. The runner hands it an
// upload that already passed the status gate; the stage calls its
// collaborators and describes the write it wants made.
type Stage interface {
	// Name is the store stage name, e.g. "vision".
	Name() string
	Run(ctx context.Context, u *store.Upload) (Result, error)
}

// Result is a stage's successful output.
type Result struct {
	// Apply writes the stage's output fields. It runs inside the store's
	// conditional update, after the gate has been checked again.
	Apply store.Mutator
	// Complete finishes the upload instead of enqueuing the next stage.
	Complete bool
	// Done runs once the write has committed.
	Done func()
}

// Outcome reports what a handler did with one delivery.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Reasons carried by BusinessError.
const (
	ReasonImageMissing   = "image_missing"
	ReasonNotABook       = "not_a_book"
	ReasonLowConfidence  = "low_confidence"
	ReasonNoCandidates   = "no_candidates"
	ReasonDownloadFailed = "download_failed"
	ReasonUnreadable     = "unreadable_file"
	ReasonNoText         = "no_text"
)

// BusinessError is an expected terminal outcome. The upload is failed with
// Message and the queue is not asked to retry.
type BusinessError struct {
	Reason  string
	Message string

	// apply records fields the stage produced before rejecting the upload.
	apply store.Mutator
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Fail returns a BusinessError.
func Fail(reason, msg string) error {
	return &BusinessError{Reason: reason, Message: msg}
}

// FailWith is Fail with extra fields written alongside the failed status.
func FailWith(reason, msg string, apply store.Mutator) error {
	return &BusinessError{Reason: reason, Message: msg, apply: apply}
}

// IsBusiness reports whether err carries a BusinessError.
func IsBusiness(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

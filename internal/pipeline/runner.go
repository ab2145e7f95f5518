package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/snapshelf/internal/store"
)

// faultMessage is shown to the user when a stage failed unexpectedly.
const faultMessage = "Something went wrong while processing this photo. Please try again."

// Handler handles one delivery of a stage task.
type Handler interface {
	Handle(ctx context.Context, uploadID string) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, uploadID string) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, uploadID string) (Outcome, error) {
	return f(ctx, uploadID)
}

// Enqueuer schedules the next stage for an upload.
type Enqueuer interface {
	Enqueue(ctx context.Context, stage, uploadID string) error
}

// Runner applies the stage contract around a Stage: load, gate, run,
// conditional write, enqueue.
type Runner struct {
	stage  Stage
	store  store.Store
	queue  Enqueuer
	logger *slog.Logger
}

// NewRunner returns a Handler for stage.
func NewRunner(stage Stage, s store.Store, q Enqueuer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		stage:  stage,
		store:  s,
		queue:  q,
		logger: logger.With("stage", stage.Name()),
	}
}

// Admits reports whether stage may run on u: u is processing (or pending,
// for the first stage) and the previous stage is the last one that wrote.
func Admits(stage string, u *store.Upload) bool {
	if u.Stage != store.PreviousStage(stage) {
		return false
	}
	switch u.Status {
	case store.StatusProcessing:
		return true
	case store.StatusPending:
		return stage == store.Stages[0]
	}
	return false
}

// Handle runs the stage for uploadID.
func (r *Runner) Handle(ctx context.Context, uploadID string) (Outcome, error) {
	name := r.stage.Name()
	logger := r.logger.With("upload_id", uploadID)

	u, err := r.store.GetUpload(ctx, uploadID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("upload not found, dropping task")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load upload %s: %w", uploadID, err)
	}
	if !Admits(name, u) {
		logger.Info("upload already advanced", "status", u.Status, "last_stage", u.Stage)
		return OutcomeSkipped, nil
	}

	res, err := r.stage.Run(ctx, u)
	if err != nil {
		var be *BusinessError
		if errors.As(err, &be) {
			logger.Info("stage rejected upload", "reason", be.Reason, "message", be.Message)
			r.markFailed(ctx, logger, uploadID, be.Message, be.apply)
			return OutcomeFailed, nil
		}
		if ctx.Err() == nil {
			r.markFailed(ctx, logger, uploadID, faultMessage, nil)
		}
		return "", fmt.Errorf("%s stage: %w", name, err)
	}

	_, err = r.store.UpdateUpload(ctx, uploadID, func(cur *store.Upload) error {
		if !Admits(name, cur) {
			return store.ErrStale
		}
		if res.Apply != nil {
			if err := res.Apply(cur); err != nil {
				return err
			}
		}
		cur.Stage = name
		if res.Complete {
			cur.Status = store.StatusCompleted
		} else {
			cur.Status = store.StatusProcessing
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrStale), errors.Is(err, store.ErrTerminal):
		logger.Info("upload advanced while stage ran", "error", err)
		return OutcomeSkipped, nil
	case err != nil:
		r.markFailed(ctx, logger, uploadID, faultMessage, nil)
		return "", fmt.Errorf("failed to save %s output: %w", name, err)
	}

	if res.Done != nil {
		res.Done()
	}
	if res.Complete {
		return OutcomeCompleted, nil
	}
	next := store.NextStage(name)
	if err := r.queue.Enqueue(ctx, next, uploadID); err != nil {
		// The write above already moved the gate, so a retry no-ops.
		// reconcile picks the upload up.
		logger.Error("next stage not enqueued", "next", next, "error", err)
		return "", fmt.Errorf("failed to enqueue %s: %w", next, err)
	}
	return OutcomeAdvanced, nil
}

// markFailed moves the upload to failed, provided this stage still owns it.
// Errors are logged; an upload that moved on is left alone.
func (r *Runner) markFailed(ctx context.Context, logger *slog.Logger, uploadID, msg string, apply store.Mutator) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	name := r.stage.Name()
	_, err := r.store.UpdateUpload(ctx, uploadID, func(u *store.Upload) error {
		if !Admits(name, u) {
			return store.ErrStale
		}
		if apply != nil {
			if err := apply(u); err != nil {
				return err
			}
		}
		u.Status = store.StatusFailed
		u.Message = msg
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrTerminal) && !errors.Is(err, store.ErrStale) {
		logger.Error("failed to mark upload failed", "error", err)
	}
}

// Middleware wraps a Handler.
type Middleware func(stage string, next Handler) Handler

// WithLogging logs the start, outcome and duration of every delivery.
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(stage string, next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, uploadID string) (Outcome, error) {
			start := time.Now()
			logger.Info("stage started", "stage", stage, "upload_id", uploadID)
			outcome, err := next.Handle(ctx, uploadID)
			if err != nil {
				logger.Error("stage failed",
					"stage", stage,
					"upload_id", uploadID,
					"error", err,
					"duration", time.Since(start),
				)
				return outcome, err
			}
			logger.Info("stage finished",
				"stage", stage,
				"upload_id", uploadID,
				"outcome", outcome,
				"duration", time.Since(start),
			)
			return outcome, nil
		})
	}
}

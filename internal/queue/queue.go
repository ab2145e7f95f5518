// Package queue is a durable at-least-once task queue. Every task is
// persisted through store.Store before it is handed to a worker, so tasks
// that were queued or running when the process stopped are picked up again
// by Recover on the next start.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/snapshelf/internal/store"
)

// ErrClosed is returned by Enqueue once Run has returned.
var ErrClosed = errors.New("queue is closed")

// Handler processes one task payload. A nil return marks the task done;
// an error is retried with backoff until the attempt budget is spent.
type Handler func(ctx context.Context, uploadID string) error

// Stats is a point-in-time view of the queue.
type Stats struct {
	Workers int `json:"workers"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Dead    int `json:"dead"`
	Retries int `json:"retries"`
}

// Queue dispatches persisted tasks to stage handlers.
type Queue struct {
	store  store.Store
	logger *slog.Logger

	workers         int
	maxAttempts     int
	backoffBase     time.Duration
	backoffMax      time.Duration
	shutdownTimeout time.Duration

	handlers map[string]Handler

	mu      sync.Mutex
	backlog []*store.Task
	queued  map[string]bool
	notify  chan struct{}
	started bool
	closed  bool
	stats   Stats
}

// Option configures a Queue.
type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay and the cap for exponential growth.
func WithBackoff(base, max time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.backoffBase = base
		}
		if max > 0 {
			q.backoffMax = max
		}
	}
}

// WithShutdownTimeout bounds how long in-flight tasks may run after Run's
// context is cancelled.
func WithShutdownTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.shutdownTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates a queue backed by s. Register handlers before calling Run.
func New(s store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:           s,
		logger:          slog.Default(),
		workers:         4,
		maxAttempts:     3,
		backoffBase:     time.Second,
		backoffMax:      30 * time.Second,
		shutdownTimeout: 30 * time.Second,
		handlers:        make(map[string]Handler),
		queued:          make(map[string]bool),
		notify:          make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	q.logger = q.logger.With("component", "queue")
	q.stats.Workers = q.workers
	return q
}

// Register binds h to stage. It must be called before Run.
func (q *Queue) Register(stage string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[stage] = h
}

// Enqueue persists a new task for stage and makes it available to workers.
func (q *Queue) Enqueue(ctx context.Context, stage, uploadID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	task := &store.Task{
		ID:       uuid.NewString(),
		Stage:    stage,
		UploadID: uploadID,
		Status:   store.TaskQueued,
	}
	if err := q.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to persist task: %w", err)
	}
	q.push(task)
	q.logger.Debug("task enqueued", "task_id", task.ID, "stage", stage, "upload_id", uploadID)
	return nil
}

// Recover re-enqueues every persisted task that is queued or was running
// when the previous process stopped. It returns the number recovered.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	tasks, err := q.store.PendingTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		q.mu.Lock()
		dup := q.queued[t.ID]
		q.mu.Unlock()
		if dup {
			continue
		}
		t.Status = store.TaskQueued
		if err := q.store.SaveTask(ctx, t); err != nil {
			return n, fmt.Errorf("failed to requeue task %s: %w", t.ID, err)
		}
		q.push(t)
		n++
	}
	if n > 0 {
		q.logger.Info("recovered tasks", "count", n)
	}
	return n, nil
}

// Run starts the workers and blocks until ctx is cancelled and in-flight
// tasks have finished or the shutdown timeout has passed.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue already running")
	}
	q.started = true
	q.mu.Unlock()

	// Handlers keep running past ctx cancellation until the grace period ends.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stop := context.AfterFunc(ctx, func() {
		q.logger.Info("draining in-flight tasks", "timeout", q.shutdownTimeout)
		time.AfterFunc(q.shutdownTimeout, cancelWork)
	})
	defer stop()

	q.logger.Info("queue started", "workers", q.workers, "max_attempts", q.maxAttempts)

	var g errgroup.Group
	for i := range q.workers {
		g.Go(func() error {
			q.work(ctx, workCtx, i+1)
			return nil
		})
	}
	err := g.Wait()

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.logger.Info("queue stopped")
	return err
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.backlog)
	return s
}

// WaitIdle blocks until nothing is queued or running, or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		s := q.Stats()
		if s.Pending == 0 && s.Running == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (q *Queue) push(t *store.Task) {
	q.mu.Lock()
	q.backlog = append(q.backlog, t)
	q.queued[t.ID] = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next pops the oldest task, waiting for one until ctx is done.
func (q *Queue) next(ctx context.Context) (*store.Task, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		q.mu.Lock()
		if len(q.backlog) > 0 {
			t := q.backlog[0]
			q.backlog[0] = nil
			q.backlog = q.backlog[1:]
			delete(q.queued, t.ID)
			q.stats.Running++
			more := len(q.backlog) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return t, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

func (q *Queue) work(ctx, workCtx context.Context, id int) {
	logger := q.logger.With("worker_id", id)
	logger.Debug("worker started")
	for {
		task, ok := q.next(ctx)
		if !ok {
			logger.Debug("worker stopped")
			return
		}
		q.process(workCtx, logger, task)
	}
}

func (q *Queue) process(ctx context.Context, logger *slog.Logger, task *store.Task) {
	logger = logger.With("task_id", task.ID, "stage", task.Stage, "upload_id", task.UploadID)
	defer func() {
		q.mu.Lock()
		q.stats.Running--
		q.mu.Unlock()
	}()

	q.mu.Lock()
	h, ok := q.handlers[task.Stage]
	q.mu.Unlock()
	if !ok {
		logger.Error("no handler registered for stage")
		task.LastError = "no handler registered for stage " + task.Stage
		q.finish(ctx, logger, task, store.TaskDead)
		return
	}

	task.Status = store.TaskRunning
	q.save(ctx, logger, task)

	remaining := q.maxAttempts - task.Attempts
	if remaining < 1 {
		remaining = 1
	}
	err := retry.Do(
		func() error {
			task.Attempts++
			return h(ctx, task.UploadID)
		},
		retry.Context(ctx),
		retry.Attempts(uint(remaining)),
		retry.Delay(q.backoffBase),
		retry.MaxDelay(q.backoffMax),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			task.LastError = err.Error()
			q.save(ctx, logger, task)
			q.mu.Lock()
			q.stats.Retries++
			q.mu.Unlock()
			logger.Warn("task attempt failed", "attempt", task.Attempts, "max_attempts", q.maxAttempts, "error", err)
		}),
	)

	switch {
	case err == nil:
		task.LastError = ""
		q.finish(ctx, logger, task, store.TaskDone)
	case ctx.Err() != nil:
		// Shutdown grace period ran out; leave it for Recover.
		logger.Warn("task interrupted by shutdown", "attempts", task.Attempts)
		q.finish(ctx, logger, task, store.TaskQueued)
	default:
		task.LastError = err.Error()
		logger.Error("task exhausted retries", "attempts", task.Attempts, "error", err)
		q.finish(ctx, logger, task, store.TaskDead)
	}
}

func (q *Queue) finish(ctx context.Context, logger *slog.Logger, task *store.Task, status store.TaskStatus) {
	task.Status = status
	q.save(ctx, logger, task)

	q.mu.Lock()
	defer q.mu.Unlock()
	switch status {
	case store.TaskDone:
		q.stats.Done++
	case store.TaskDead:
		q.stats.Dead++
	}
}

// save persists task state. It outlives ctx so a shutdown still records progress.
func (q *Queue) save(ctx context.Context, logger *slog.Logger, task *store.Task) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.store.SaveTask(sctx, task); err != nil {
		logger.Error("failed to persist task state", "status", task.Status, "error", err)
	}
}

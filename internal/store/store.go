// Package store keeps the state and result of every transcription task for a
// bounded time.
package store

import (
	"context"
	"time"

	"github.com/Albpenu/whisperweb/internal/pipeline"
)

// Status follows the task-state vocabulary of broker-backed queues.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusRetry   Status = "RETRY"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Task is one submission and, once it succeeded, its result.
type Task struct {
	ID        string           `json:"id"`
	Status    Status           `json:"status"`
	Source    string           `json:"source"`
	FileName  string           `json:"file_name"`
	Format    string           `json:"format"`
	Attempts  int              `json:"attempts"`
	Error     string           `json:"error,omitempty"`
	Result    *pipeline.Result `json:"result,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Store persists tasks. Every implementation forgets a task once it has not
// been updated for its TTL. Operations on unknown ids return apperr.ErrNotFound.
type Store interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	// MarkStarted moves the task to STARTED and counts one more attempt.
	MarkStarted(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id, reason string) error
	Complete(ctx context.Context, id string, res pipeline.Result) error
	Fail(ctx context.Context, id, reason string) error
	Close() error
}

// Await polls s until the task reaches a terminal status or ctx is done. On
// ctx expiry it returns the last observed task together with ctx.Err().
func Await(ctx context.Context, s Store, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	var last Task
	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil && last.ID != "" {
				return last, ctx.Err()
			}
			return task, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		last = task
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-t.C:
		}
	}
}

type mutation func(*Task)

func started(t *Task) {
	t.Status = StatusStarted
	t.Attempts++
}

func retrying(reason string) mutation {
	return func(t *Task) {
		t.Status = StatusRetry
		t.Error = reason
	}
}

func completed(res pipeline.Result) mutation {
	return func(t *Task) {
		t.Status = StatusSuccess
		t.Error = ""
		t.Result = &res
	}
}

func failed(reason string) mutation {
	return func(t *Task) {
		t.Status = StatusFailure
		t.Error = reason
	}
}

func prepare(t *Task, now time.Time) {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

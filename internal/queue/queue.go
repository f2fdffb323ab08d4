// Package queue hands transcription jobs from the web front-end to the
// workers that run them.
package queue

import (
	"context"
	"errors"
	"time"
)

// Sources of a job's media.
const (
	SourceFile      = "file"
	SourceRecording = "recording"
	SourceVideo     = "video"
)

// ErrClosed is returned by Enqueue once the queue stopped accepting jobs.
var ErrClosed = errors.New("queue: closed")

// Job points a worker at a media file already on local disk.
type Job struct {
	TaskID     string    `json:"task_id"`
	Source     string    `json:"source"`
	Path       string    `json:"path"`
	FileName   string    `json:"file_name"`
	Format     string    `json:"format"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes one job. Errors are logged by the consumer; state and
// retries are the handler's business.
type Handler func(ctx context.Context, job Job) error

type Queue interface {
	// Enqueue must not block on a busy consumer.
	Enqueue(ctx context.Context, job Job) error
	// Consume runs h over incoming jobs until ctx is cancelled or the queue
	// is closed.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// DeadLetterer is implemented by queues that keep jobs which exhausted their
// attempts.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, job Job, reason string) error
}

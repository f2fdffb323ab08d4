// Package worker drives queued jobs through the pipeline and records their
// outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Albpenu/whisperweb/internal/pipeline"
	"github.com/Albpenu/whisperweb/internal/queue"
	"github.com/Albpenu/whisperweb/internal/store"
)

// Processor is the part of the pipeline the runner needs.
type Processor interface {
	Process(ctx context.Context, job queue.Job) (pipeline.Result, error)
}

// Runner owns a job from the moment it is dequeued: state transitions,
// timeout, retries, dead letters and removal of the media file once the task
// is terminal.
type Runner struct {
	Processor   Processor
	Store       store.Store
	Queue       queue.Queue
	TaskTimeout time.Duration
	MaxAttempts int
}

// Handle satisfies queue.Handler. Task failures are recorded in the store and
// do not surface as errors; only bookkeeping problems do.
func (r *Runner) Handle(ctx context.Context, job queue.Job) error {
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	l := log.With().Str("component", "worker").Str("task", job.TaskID).Int("attempt", job.Attempt).Logger()
	// state must be written even when the consumer is shutting down
	bg := context.WithoutCancel(ctx)

	if err := r.Store.MarkStarted(bg, job.TaskID); err != nil {
		// the task expired or never existed; nobody will read a result
		l.Warn().Err(err).Msg("worker: dropping job without task")
		removeMedia(l, job.Path)
		return err
	}

	runCtx := ctx
	if r.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.TaskTimeout)
		defer cancel()
	}
	l.Info().Str("source", job.Source).Msg("worker: task started")

	res, err := r.Processor.Process(runCtx, job)
	if err == nil {
		if serr := r.Store.Complete(bg, job.TaskID, res); serr != nil {
			err = fmt.Errorf("record result: %w", serr)
		}
		removeMedia(l, job.Path)
		if err == nil {
			l.Info().Float64("elapsed_s", res.Elapsed).Msg("worker: task succeeded")
		}
		return err
	}

	if ctx.Err() != nil {
		return r.handBack(bg, l, job, err)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", r.TaskTimeout, err)
	}
	if job.Attempt < r.MaxAttempts && r.Queue != nil {
		return r.retry(bg, l, job, err)
	}
	return r.fail(bg, l, job, err)
}

// handBack returns a job interrupted by consumer shutdown to the queue
// without spending an attempt. Queues that stopped accepting jobs fail it.
func (r *Runner) handBack(ctx context.Context, l zerolog.Logger, job queue.Job, cause error) error {
	if r.Queue == nil {
		return r.fail(ctx, l, job, cause)
	}
	if err := r.Store.MarkRetry(ctx, job.TaskID, "interrupted by worker shutdown"); err != nil {
		l.Warn().Err(err).Msg("worker: could not mark retry")
	}
	if err := r.Queue.Enqueue(ctx, job); err != nil {
		return r.fail(ctx, l, job, fmt.Errorf("interrupted: %w", cause))
	}
	l.Info().Msg("worker: task interrupted, handed back to the queue")
	return nil
}

// Abandon fails a job that will never be handled, such as one still buffered
// when the process stops, and deletes its file.
func (r *Runner) Abandon(ctx context.Context, job queue.Job, reason string) error {
	l := log.With().Str("component", "worker").Str("task", job.TaskID).Int("attempt", job.Attempt).Logger()
	return r.fail(context.WithoutCancel(ctx), l, job, errors.New(reason))
}

func (r *Runner) retry(ctx context.Context, l zerolog.Logger, job queue.Job, cause error) error {
	next := job
	next.Attempt++
	next.EnqueuedAt = time.Now()
	if err := r.Store.MarkRetry(ctx, job.TaskID, cause.Error()); err != nil {
		l.Warn().Err(err).Msg("worker: could not mark retry")
	}
	if err := r.Queue.Enqueue(ctx, next); err != nil {
		l.Warn().Err(err).Msg("worker: re-enqueue failed")
		return r.fail(ctx, l, job, fmt.Errorf("%w (retry not possible: %v)", cause, err))
	}
	l.Warn().Err(cause).Int("next_attempt", next.Attempt).Msg("worker: task failed, retrying")
	return nil
}

func (r *Runner) fail(ctx context.Context, l zerolog.Logger, job queue.Job, cause error) error {
	l.Error().Err(cause).Msg("worker: task failed")
	var out error
	if err := r.Store.Fail(ctx, job.TaskID, cause.Error()); err != nil {
		out = fmt.Errorf("record failure: %w", err)
	}
	if dl, ok := r.Queue.(queue.DeadLetterer); ok {
		if err := dl.DeadLetter(ctx, job, cause.Error()); err != nil {
			l.Warn().Err(err).Msg("worker: dead letter failed")
		}
	}
	removeMedia(l, job.Path)
	return out
}

func removeMedia(l zerolog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.Warn().Err(err).Str("path", path).Msg("worker: could not delete media file")
	}
}

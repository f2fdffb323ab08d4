package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Albpenu/whisperweb/internal/apperr"
)

// InProcess is a bounded channel drained by a fixed set of worker goroutines.
type InProcess struct {
	jobs    chan Job
	workers int

	mu     sync.RWMutex
	closed bool
}

func NewInProcess(size, workers int) *InProcess {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &InProcess{jobs: make(chan Job, size), workers: workers}
}

// Enqueue never waits: a full buffer yields apperr.ErrQueueFull.
func (q *InProcess) Enqueue(_ context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w (%d waiting)", apperr.ErrQueueFull, len(q.jobs))
	}
}

// Len returns the number of jobs waiting.
func (q *InProcess) Len() int { return len(q.jobs) }

func (q *InProcess) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					if err := h(ctx, job); err != nil {
						log.Error().Err(err).Int("worker", worker).Str("task", job.TaskID).Msg("queue: job handler failed")
					}
				}
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// Drain removes and returns the jobs still buffered. Call it once the
// consumers have stopped, or it races them for jobs.
func (q *InProcess) Drain() []Job {
	var out []Job
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return out
			}
			out = append(out, job)
		default:
			return out
		}
	}
}

// Close stops intake. Consumers drain what is already buffered.
func (q *InProcess) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}

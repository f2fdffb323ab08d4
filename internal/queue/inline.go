package queue

import (
	"context"
	"sync"
)

// Inline runs the consumer's handler inside Enqueue, on the caller's
// goroutine. It is the queue of the sync mode.
type Inline struct {
	mu      sync.RWMutex
	handler Handler
	closed  bool
	stop    chan struct{}
}

func NewInline() *Inline { return &Inline{stop: make(chan struct{})} }

func (q *Inline) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	h, closed := q.handler, q.closed
	q.mu.RUnlock()
	if closed || h == nil {
		return ErrClosed
	}
	return h(ctx, job)
}

// Consume registers h and blocks until ctx is done or the queue is closed.
func (q *Inline) Consume(ctx context.Context, h Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.handler = h
	q.mu.Unlock()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-q.stop:
	}

	q.mu.Lock()
	q.handler = nil
	q.mu.Unlock()
	return err
}

func (q *Inline) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.handler = nil
		close(q.stop)
	}
	return nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is a list-backed queue: producers LPUSH, consumers BRPOP. Jobs that
// exhausted their attempts are pushed to "<name>:dead".
type Redis struct {
	rdb     redis.UniversalClient
	name    string
	workers int
	block   time.Duration
}

// DeadJob is an entry of the dead-letter list.
type DeadJob struct {
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

func NewRedis(rdb redis.UniversalClient, name string, workers int) *Redis {
	if name == "" {
		name = "transcription_queue"
	}
	if workers < 1 {
		workers = 1
	}
	return &Redis{rdb: rdb, name: name, workers: workers, block: 2 * time.Second}
}

func (q *Redis) deadKey() string { return q.name + ":dead" }

func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("queue: push job: %w", err)
	}
	return nil
}

func (q *Redis) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.loop(ctx, worker, h)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Redis) loop(ctx context.Context, worker int, h Handler) {
	l := log.With().Str("component", "queue").Int("worker", worker).Str("queue", q.name).Logger()
	for ctx.Err() == nil {
		res, err := q.rdb.BRPop(ctx, q.block, q.name).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Warn().Err(err).Msg("queue: pop failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res is [key, value]
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			l.Error().Err(err).Msg("queue: undecodable job moved to dead letters")
			q.pushDead(ctx, DeadJob{Reason: "undecodable: " + res[1], FailedAt: time.Now()})
			continue
		}
		if err := h(ctx, job); err != nil {
			l.Error().Err(err).Str("task", job.TaskID).Msg("queue: job handler failed")
		}
	}
}

func (q *Redis) DeadLetter(ctx context.Context, job Job, reason string) error {
	return q.pushDead(ctx, DeadJob{Job: job, Reason: reason, FailedAt: time.Now()})
}

func (q *Redis) pushDead(ctx context.Context, d DeadJob) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.deadKey(), data).Err(); err != nil {
		return fmt.Errorf("queue: push dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns up to n dead-letter entries, newest first.
func (q *Redis) DeadLetters(ctx context.Context, n int64) ([]DeadJob, error) {
	raw, err := q.rdb.LRange(ctx, q.deadKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read dead letters: %w", err)
	}
	out := make([]DeadJob, 0, len(raw))
	for _, r := range raw {
		var d DeadJob
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Len returns the number of waiting jobs.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}

// Close is a no-op; the client belongs to the caller.
func (q *Redis) Close() error { return nil }

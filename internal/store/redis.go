package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Albpenu/whisperweb/internal/apperr"
	"github.com/Albpenu/whisperweb/internal/pipeline"
)

const maxTxRetries = 5

// Redis stores each task as a JSON string whose expiry is refreshed on every
// update. The client is owned by the caller.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "whisperweb:task:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *Redis) key(id string) string { return s.prefix + id }

func (s *Redis) Create(ctx context.Context, t Task) error {
	prepare(&t, s.now())
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: encode task: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.key(t.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	if !ok {
		return fmt.Errorf("store: task %s already exists", t.ID)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, id string) (Task, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Task{}, fmt.Errorf("%w: task %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return Task{}, fmt.Errorf("store: get task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("store: decode task %s: %w", id, err)
	}
	return t, nil
}

// update applies fn inside an optimistic WATCH/MULTI transaction.
func (s *Redis) update(ctx context.Context, id string, fn mutation) error {
	key := s.key(id)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: task %s", apperr.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("decode task %s: %w", id, err)
		}
		fn(&t)
		t.UpdatedAt = s.now()
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("store: update task: %w", err)
		}
		return err
	}
	return fmt.Errorf("store: update task %s: too much contention", id)
}

func (s *Redis) MarkStarted(ctx context.Context, id string) error {
	return s.update(ctx, id, started)
}

func (s *Redis) MarkRetry(ctx context.Context, id, reason string) error {
	return s.update(ctx, id, retrying(reason))
}

func (s *Redis) Complete(ctx context.Context, id string, res pipeline.Result) error {
	return s.update(ctx, id, completed(res))
}

func (s *Redis) Fail(ctx context.Context, id, reason string) error {
	return s.update(ctx, id, failed(reason))
}

func (s *Redis) Close() error { return nil }

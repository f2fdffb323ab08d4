package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/Albpenu/whisperweb/internal/apperr"
	"github.com/Albpenu/whisperweb/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	file_name   TEXT NOT NULL DEFAULT '',
	format      TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	result      JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_expires_at_idx ON tasks (expires_at);
`

// Postgres keeps tasks in the tasks table. Rows past expires_at are invisible
// and purged periodically.
type Postgres struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgres connects, creates the schema when missing and starts the purge
// loop.
func NewPostgres(ctx context.Context, url string, ttl time.Duration) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	pctx, cancel := context.WithCancel(context.Background())
	s := &Postgres{pool: pool, ttl: ttl, now: time.Now, cancel: cancel, done: make(chan struct{})}
	go s.purgeLoop(pctx, janitorInterval(ttl))
	return s, nil
}

func (s *Postgres) purgeLoop(ctx context.Context, every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Purge(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("store: purge failed")
				}
				continue
			}
			if n > 0 {
				log.Debug().Int64("evicted", n).Msg("store: expired tasks removed")
			}
		}
	}
}

// Purge deletes expired rows and returns how many were removed.
func (s *Postgres) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) Create(ctx context.Context, t Task) error {
	now := s.now()
	prepare(&t, now)
	var result *string
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("store: encode result: %w", err)
		}
		r := string(b)
		result = &r
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, status, source, file_name, format, attempts, error, result, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)`,
		t.ID, string(t.Status), t.Source, t.FileName, t.Format, t.Attempts, t.Error, result,
		t.CreatedAt, t.UpdatedAt, now.Add(s.ttl),
	)
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (Task, error) {
	var (
		t      Task
		status string
		result []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, source, file_name, format, attempts, error, result, created_at, updated_at
		FROM tasks WHERE id = $1 AND expires_at > $2`, id, s.now(),
	).Scan(&t.ID, &status, &t.Source, &t.FileName, &t.Format, &t.Attempts, &t.Error, &result, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: task %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return Task{}, fmt.Errorf("store: get task: %w", err)
	}
	t.Status = Status(status)
	if len(result) > 0 {
		var r pipeline.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return Task{}, fmt.Errorf("store: decode result of %s: %w", id, err)
		}
		t.Result = &r
	}
	return t, nil
}

// exec runs an UPDATE whose first three parameters are id, now and the new
// expiry.
func (s *Postgres) exec(ctx context.Context, id, set string, args ...any) error {
	now := s.now()
	params := append([]any{id, now, now.Add(s.ttl)}, args...)
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET `+set+`, updated_at = $2, expires_at = $3 WHERE id = $1 AND expires_at > $2`,
		params...)
	if err != nil {
		return fmt.Errorf("store: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", apperr.ErrNotFound, id)
	}
	return nil
}

func (s *Postgres) MarkStarted(ctx context.Context, id string) error {
	return s.exec(ctx, id, `status = $4, attempts = attempts + 1`, string(StatusStarted))
}

func (s *Postgres) MarkRetry(ctx context.Context, id, reason string) error {
	return s.exec(ctx, id, `status = $4, error = $5`, string(StatusRetry), reason)
}

func (s *Postgres) Complete(ctx context.Context, id string, res pipeline.Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	return s.exec(ctx, id, `status = $4, error = '', result = $5::jsonb`, string(StatusSuccess), string(b))
}

func (s *Postgres) Fail(ctx context.Context, id, reason string) error {
	return s.exec(ctx, id, `status = $4, error = $5`, string(StatusFailure), reason)
}

func (s *Postgres) Close() error {
	s.cancel()
	<-s.done
	s.pool.Close()
	return nil
}

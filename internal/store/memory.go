package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Albpenu/whisperweb/internal/apperr"
	"github.com/Albpenu/whisperweb/internal/pipeline"
)

// Memory keeps tasks in a map guarded by a mutex. A janitor goroutine drops
// tasks that have not changed for ttl.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	tasks map[string]Task

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m := &Memory{
		ttl:   ttl,
		now:   time.Now,
		tasks: make(map[string]Task),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.janitor(janitorInterval(ttl))
	return m
}

func janitorInterval(ttl time.Duration) time.Duration {
	iv := ttl / 4
	if iv < time.Second {
		iv = time.Second
	}
	if iv > 5*time.Minute {
		iv = 5 * time.Minute
	}
	return iv
}

func (m *Memory) janitor(every time.Duration) {
	defer close(m.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			if n := m.sweep(); n > 0 {
				log.Debug().Int("evicted", n).Msg("store: expired tasks removed")
			}
		}
	}
}

// sweep removes expired tasks and returns how many were dropped.
func (m *Memory) sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if m.expired(t, now) {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

func (m *Memory) expired(t Task, now time.Time) bool {
	return now.Sub(t.UpdatedAt) >= m.ttl
}

func (m *Memory) Create(_ context.Context, t Task) error {
	prepare(&t, m.now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.tasks[t.ID]; ok && !m.expired(old, t.UpdatedAt) {
		return fmt.Errorf("store: task %s already exists", t.ID)
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Task, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok || m.expired(t, m.now()) {
		return Task{}, fmt.Errorf("%w: task %s", apperr.ErrNotFound, id)
	}
	return t, nil
}

func (m *Memory) update(id string, fn mutation) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || m.expired(t, now) {
		return fmt.Errorf("%w: task %s", apperr.ErrNotFound, id)
	}
	fn(&t)
	t.UpdatedAt = now
	m.tasks[id] = t
	return nil
}

func (m *Memory) MarkStarted(_ context.Context, id string) error {
	return m.update(id, started)
}

func (m *Memory) MarkRetry(_ context.Context, id, reason string) error {
	return m.update(id, retrying(reason))
}

func (m *Memory) Complete(_ context.Context, id string, res pipeline.Result) error {
	return m.update(id, completed(res))
}

func (m *Memory) Fail(_ context.Context, id, reason string) error {
	return m.update(id, failed(reason))
}

// Len returns the number of tasks currently held, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.stop)
		<-m.done
	})
	return nil
}

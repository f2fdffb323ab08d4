package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Albpenu/whisperweb/internal/config"
	"github.com/Albpenu/whisperweb/internal/language"
	"github.com/Albpenu/whisperweb/internal/pipeline"
	"github.com/Albpenu/whisperweb/internal/queue"
	"github.com/Albpenu/whisperweb/internal/store"
	"github.com/Albpenu/whisperweb/internal/translation"
	"github.com/Albpenu/whisperweb/internal/whisper"
	"github.com/Albpenu/whisperweb/internal/worker"
)

// deps holds the long-lived components shared by the commands.
type deps struct {
	rdb    *redis.Client
	store  store.Store
	queue  queue.Queue
	engine whisper.Engine
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return rdb, nil
}

func openStore(ctx context.Context, cfg config.Config, rdb redis.UniversalClient) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(cfg.ResultTTL), nil
	case config.StoreRedis:
		return store.NewRedis(rdb, "", cfg.ResultTTL), nil
	case config.StorePostgres:
		pg, err := store.NewPostgres(ctx, cfg.PostgresURL, cfg.ResultTTL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	return nil, fmt.Errorf("unknown STORE %q", cfg.Store)
}

func openQueue(cfg config.Config, rdb redis.UniversalClient) (queue.Queue, error) {
	switch cfg.Queue {
	case config.QueueSync:
		return queue.NewInline(), nil
	case config.QueueInProc:
		return queue.NewInProcess(cfg.QueueSize, cfg.Workers), nil
	case config.QueueRedis:
		return queue.NewRedis(rdb, cfg.QueueName, cfg.Workers), nil
	}
	return nil, fmt.Errorf("unknown QUEUE %q", cfg.Queue)
}

// newNamer names languages offline, or through the translation service with
// the offline names as fallback.
func newNamer(cfg config.Config) language.Namer {
	display := language.DisplayNamer{Target: cfg.DisplayLanguage}
	if !cfg.TranslationEnabled || cfg.TranslationBaseURL == "" {
		return display
	}
	return language.TranslatedNamer{
		Translator: translation.New(cfg.TranslationBaseURL, cfg.TranslationAPIKey, cfg.TranslationTimeoutSec),
		Target:     cfg.DisplayLanguage,
		Fallback:   display,
	}
}

// open builds store and queue, and the engine when withEngine is set.
func open(ctx context.Context, cfg config.Config, withEngine bool) (*deps, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &deps{}
	var err error
	if cfg.NeedsRedis() {
		if d.rdb, err = openRedis(ctx, cfg.RedisURL); err != nil {
			return nil, err
		}
	}
	if d.store, err = openStore(ctx, cfg, d.rdb); err != nil {
		d.Close()
		return nil, err
	}
	if d.queue, err = openQueue(cfg, d.rdb); err != nil {
		d.Close()
		return nil, err
	}
	if withEngine {
		if d.engine, err = whisper.New(cfg); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *deps) runner(cfg config.Config) *worker.Runner {
	return &worker.Runner{
		Processor:   pipeline.NewProcessor(d.engine, newNamer(cfg)),
		Store:       d.store,
		Queue:       d.queue,
		TaskTimeout: cfg.TaskTimeout,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Close releases everything in reverse order of creation.
func (d *deps) Close() {
	var errs []error
	if d.engine != nil {
		errs = append(errs, d.engine.Close())
	}
	if d.queue != nil {
		errs = append(errs, d.queue.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.rdb != nil {
		errs = append(errs, d.rdb.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("shutdown: closing components")
	}
}

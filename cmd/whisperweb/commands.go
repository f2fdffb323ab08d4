package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Albpenu/whisperweb/internal/config"
	"github.com/Albpenu/whisperweb/internal/media"
	"github.com/Albpenu/whisperweb/internal/pipeline"
	"github.com/Albpenu/whisperweb/internal/queue"
	"github.com/Albpenu/whisperweb/internal/web"
	"github.com/Albpenu/whisperweb/internal/whisper"
	"github.com/Albpenu/whisperweb/internal/worker"
)

type app struct {
	cfg       config.Config
	addr      string
	logLevel  string
	logFormat string
}

func newRootCommand() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:          "whisperweb",
		Short:        "Web front-end for speech-to-text with language detection",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.cfg = config.Load()
			if cmd.Flags().Changed("addr") {
				a.cfg.Addr = a.addr
			}
			if cmd.Flags().Changed("log-level") {
				a.cfg.LogLevel = a.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				a.cfg.LogFormat = a.logFormat
			}
			setupLogging(a.cfg.LogLevel, a.cfg.LogFormat)
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "json or console (overrides LOG_FORMAT)")
	rootCmd.AddCommand(a.newServeCommand(), a.newWorkerCommand(), a.newTranscribeCommand())
	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// consume runs the queue consumers in the background. The returned wait
// blocks until they stopped.
func consume(ctx context.Context, q queue.Queue, h queue.Handler) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := q.Consume(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("queue: consumer stopped")
		}
	}()
	return wg.Wait
}

func (a *app) newServeCommand() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web front-end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			// the redis queue is drained by separate worker processes unless asked otherwise
			runWorkers := cfg.Queue != config.QueueRedis || withWorker

			ctx, stop := signalContext()
			defer stop()

			d, err := open(ctx, cfg, runWorkers)
			if err != nil {
				return err
			}
			defer d.Close()

			srvHandler, err := web.NewServer(cfg, d.store, d.queue, nil)
			if err != nil {
				return err
			}

			consumeCtx, stopConsumers := context.WithCancel(context.Background())
			defer stopConsumers()
			wait := func() {}
			var runner *worker.Runner
			if runWorkers {
				runner = d.runner(cfg)
				wait = consume(consumeCtx, d.queue, runner.Handle)
			}

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           srvHandler.Router(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       readTimeout(cfg),
				WriteTimeout:      writeTimeout(cfg),
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().
					Str("addr", cfg.Addr).
					Str("queue", cfg.Queue).
					Str("store", cfg.Store).
					Bool("workers", runWorkers).
					Msg("whisperweb server starting")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
				log.Info().Msg("shutting down...")
			}

			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("http shutdown")
			}
			// stop intake; in-process consumers finish what is buffered
			d.queue.Close()
			drained := make(chan struct{})
			go func() {
				wait()
				close(drained)
			}()
			if cfg.Queue == config.QueueRedis {
				// in-flight jobs go back to the list for another worker
				stopConsumers()
			}
			select {
			case <-drained:
			case <-sctx.Done():
				log.Warn().Msg("shutdown: abandoning unfinished tasks")
				stopConsumers()
				<-drained
			}
			if runner != nil {
				if n := abandonBuffered(d.queue, runner); n > 0 {
					log.Warn().Int("tasks", n).Msg("shutdown: failed tasks that never started")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&a.addr, "addr", "", "listen address (overrides WHISPERWEB_ADDR)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume the redis queue in this process")
	return cmd
}

// abandonBuffered fails the jobs an in-process queue still holds after its
// consumers stopped, so their files do not outlive the process.
func abandonBuffered(q queue.Queue, r *worker.Runner) int {
	ip, ok := q.(*queue.InProcess)
	if !ok {
		return 0
	}
	left := ip.Drain()
	for _, job := range left {
		if err := r.Abandon(context.Background(), job, "server stopped before the task ran"); err != nil {
			log.Warn().Err(err).Str("task", job.TaskID).Msg("shutdown: could not record abandoned task")
		}
	}
	return len(left)
}

// minUploadRate is the slowest upload, in bytes per second, that still fits
// in the read timeout.
const minUploadRate = 128 * 1024

// readTimeout gives an upload of MaxUploadBytes time to arrive at minUploadRate.
func readTimeout(cfg config.Config) time.Duration {
	return 30*time.Second + time.Duration(cfg.MaxUploadBytes/minUploadRate)*time.Second
}

// writeTimeout leaves room for a request that waits for its result. In sync
// mode the request runs the task itself, every attempt included; without a
// task timeout that run is unbounded and so is the write.
func writeTimeout(cfg config.Config) time.Duration {
	wt := 60 * time.Second
	if cfg.Queue == config.QueueSync {
		if cfg.TaskTimeout <= 0 {
			return 0
		}
		attempts := max(cfg.MaxAttempts, 1)
		wt += time.Duration(attempts) * cfg.TaskTimeout
	}
	if cfg.WaitForResult {
		wt += cfg.ResultWaitTimeout
	}
	return wt
}

func (a *app) newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the redis transcription queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cfg.Queue != config.QueueRedis {
				return fmt.Errorf("worker needs QUEUE=%s (got %q)", config.QueueRedis, cfg.Queue)
			}
			ctx, stop := signalContext()
			defer stop()

			d, err := open(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()

			log.Info().
				Str("queue", cfg.QueueName).
				Int("workers", cfg.Workers).
				Str("engine", d.engine.Name()).
				Msg("whisperweb worker started")
			consume(ctx, d.queue, d.runner(cfg).Handle)()
			log.Info().Msg("worker stopped")
			return nil
		},
	}
}

func (a *app) newTranscribeCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe a local file with the configured engine and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			path := args[0]
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("error reading audio: %w", err)
			}
			engine, err := whisper.New(cfg)
			if err != nil {
				return fmt.Errorf("error loading engine: %w", err)
			}
			defer engine.Close()

			ctx, stop := signalContext()
			defer stop()
			if cfg.TaskTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.TaskTimeout)
				defer cancel()
			}

			name, format := media.SplitName(path)
			res, err := pipeline.NewProcessor(engine, newNamer(cfg)).Process(ctx, queue.Job{
				TaskID:   filepath.Base(path),
				Source:   queue.SourceFile,
				Path:     path,
				FileName: name,
				Format:   format,
				Attempt:  1,
			})
			if err != nil {
				return fmt.Errorf("error transcribing: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintf(out, "%s (%s) · %.1fs\n\n%s\n", res.Language, res.LanguageCode, res.Elapsed, res.Transcript)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

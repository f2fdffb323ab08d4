// Package pipeline turns a media file into the result shown to the user:
// transcript, detected language and its display name.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Albpenu/whisperweb/internal/language"
	"github.com/Albpenu/whisperweb/internal/queue"
	"github.com/Albpenu/whisperweb/internal/whisper"
)

// Result is what the results page renders.
type Result struct {
	TaskID       string    `json:"task_id"`
	FileName     string    `json:"file_name"`
	Format       string    `json:"format"`
	Source       string    `json:"source"`
	LanguageCode string    `json:"language_code"`
	Language     string    `json:"language"`
	Transcript   string    `json:"transcript"`
	Elapsed      float64   `json:"elapsed_seconds"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Processor runs inference and names the detected language. It leaves the
// media file in place; whoever owns the job removes it.
type Processor struct {
	Engine whisper.Engine
	Namer  language.Namer
	now    func() time.Time
}

func NewProcessor(engine whisper.Engine, namer language.Namer) *Processor {
	return &Processor{Engine: engine, Namer: namer, now: time.Now}
}

func (p *Processor) Process(ctx context.Context, job queue.Job) (Result, error) {
	now := p.now
	if now == nil {
		now = time.Now
	}
	start := now()
	l := log.With().Str("component", "pipeline").Str("task", job.TaskID).Str("engine", p.Engine.Name()).Logger()

	tr, err := p.Engine.Transcribe(ctx, job.Path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return Result{}, fmt.Errorf("transcribe %s: %w", job.TaskID, err)
	}

	code := tr.Language
	if info, ok := language.Lookup(tr.Language); ok {
		code = info.Code
	}
	name := code
	if p.Namer != nil && code != "" {
		if n, err := p.Namer.Name(ctx, code); err != nil {
			l.Warn().Err(err).Str("language", code).Msg("pipeline: naming language failed")
		} else {
			name = n
		}
	}

	end := now()
	res := Result{
		TaskID:       job.TaskID,
		FileName:     job.FileName,
		Format:       job.Format,
		Source:       job.Source,
		LanguageCode: code,
		Language:     name,
		Transcript:   tr.Text,
		Elapsed:      end.Sub(start).Seconds(),
		CompletedAt:  end,
	}
	l.Info().
		Str("language", code).
		Int("chars", len(res.Transcript)).
		Float64("elapsed_s", res.Elapsed).
		Msg("pipeline: transcription finished")
	return res, nil
}

//go:build whisper_cpp

package whisper

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog/log"

	"github.com/Albpenu/whisperweb/internal/apperr"
	"github.com/Albpenu/whisperweb/internal/audio"
)

// LocalEngine runs a ggml whisper model in-process through whisper.cpp.
type LocalEngine struct {
	model   whisperpkg.Model
	threads uint
	conv    audio.Converter
	mu      sync.Mutex // whisper.cpp contexts must not run concurrently on one model
}

func NewLocalEngine(modelPath string, threads int, conv audio.Converter) (Engine, error) {
	n := uint(runtime.NumCPU())
	if threads > 0 {
		n = uint(threads)
		log.Info().Int("threads", threads).Msg("whisper: using configured thread count")
	} else {
		log.Info().Uint("threads", n).Msg("whisper: using default thread count (CPU cores)")
	}

	m, err := whisperpkg.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load model: %v", apperr.ErrEngineUnavailable, err)
	}
	log.Info().Str("model", modelPath).Msg("whisper: model loaded successfully")
	return &LocalEngine{model: m, threads: n, conv: conv}, nil
}

func (e *LocalEngine) Name() string { return "whisper.cpp" }

func (e *LocalEngine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// Transcribe decodes the file to 16kHz mono and runs a full transcription with
// language auto-detection.
func (e *LocalEngine) Transcribe(ctx context.Context, path string) (Transcription, error) {
	samples, err := e.conv.LoadFile(ctx, path)
	if err != nil {
		return Transcription{}, fmt.Errorf("%w: load audio: %v", apperr.ErrInference, err)
	}
	if len(samples) == 0 {
		return Transcription{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wctx, err := e.model.NewContext()
	if err != nil {
		return Transcription{}, fmt.Errorf("create context: %w", err)
	}
	wctx.SetThreads(e.threads)
	_ = wctx.SetLanguage("auto")
	wctx.SetSplitOnWord(true)
	wctx.SetTokenTimestamps(true)

	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, keepGoing, nil, nil); err != nil {
		if ctx.Err() != nil {
			return Transcription{}, ctx.Err()
		}
		log.Error().Err(err).Int("samples", len(samples)).Msg("whisper: process failed")
		return Transcription{}, fmt.Errorf("%w: process audio: %v", apperr.ErrInference, err)
	}

	var (
		segments []Segment
		texts    []string
	)
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Msg("whisper: error reading segment")
			}
			break
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		segments = append(segments, Segment{Start: seg.Start, End: seg.End, Text: text})
	}

	lang := wctx.DetectedLanguage()
	if lang == "" {
		lang = wctx.Language()
	}

	log.Debug().
		Str("lang", lang).
		Int("segments", len(segments)).
		Int("samples", len(samples)).
		Msg("whisper: transcription complete")

	return Transcription{
		Text:     strings.Join(texts, " "),
		Language: lang,
		Duration: durationOf(segments),
		Segments: segments,
	}, nil
}

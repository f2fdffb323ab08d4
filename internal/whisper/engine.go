package whisper

import (
	"context"
	"time"
)

// Segment is a timed piece of a transcript.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Transcription is what an engine returns for one media file.
type Transcription struct {
	Text string
	// Language is the detected language, either as a whisper code ("es") or
	// as an English name ("spanish") depending on the backend.
	Language string
	Duration time.Duration
	Segments []Segment
}

// Engine is a small interface for whisper transcription.
// Implementations may run the model in-process (build tag: whisper_cpp) or
// call a remote service.
type Engine interface {
	// Transcribe runs speech-to-text with language auto-detection over the
	// media file at path.
	Transcribe(ctx context.Context, path string) (Transcription, error)
	// Name identifies the backend in logs.
	Name() string
	Close() error
}

func durationOf(segs []Segment) time.Duration {
	if len(segs) == 0 {
		return 0
	}
	return segs[len(segs)-1].End
}

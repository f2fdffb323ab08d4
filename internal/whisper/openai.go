package whisper

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/Albpenu/whisperweb/internal/apperr"
)

// OpenAIEngine uses any OpenAI-compatible /audio/transcriptions endpoint
// (OpenAI, LocalAI, a whisper.cpp server, ...).
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

func NewOpenAIEngine(baseURL, apiKey, model string) *OpenAIEngine {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAIEngine{client: openai.NewClientWithConfig(cfg), model: model}
}

func (e *OpenAIEngine) Name() string { return "openai:" + e.model }
func (e *OpenAIEngine) Close() error { return nil }

func (e *OpenAIEngine) Transcribe(ctx context.Context, path string) (Transcription, error) {
	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.model,
		FilePath: path,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Transcription{}, ctx.Err()
		}
		return Transcription{}, fmt.Errorf("%w: %v", apperr.ErrInference, err)
	}

	t := Transcription{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
		Duration: seconds(resp.Duration),
	}
	for _, s := range resp.Segments {
		t.Segments = append(t.Segments, Segment{
			Start: seconds(s.Start),
			End:   seconds(s.End),
			Text:  strings.TrimSpace(s.Text),
		})
	}
	if t.Duration == 0 {
		t.Duration = durationOf(t.Segments)
	}
	return t, nil
}

package whisper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Albpenu/whisperweb/internal/apperr"
)

// ASREngine sends media to a whisper-asr-webservice instance
// (POST /asr with a multipart audio_file).
type ASREngine struct {
	base string
	http *http.Client
}

func NewASREngine(base string, timeout time.Duration) *ASREngine {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &ASREngine{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (e *ASREngine) Name() string { return "asr-webservice" }
func (e *ASREngine) Close() error { return nil }

// asrResponse is the output=json body of the webservice.
type asrResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Error string `json:"error,omitempty"`
}

func (e *ASREngine) Transcribe(ctx context.Context, path string) (Transcription, error) {
	f, err := os.Open(path)
	if err != nil {
		return Transcription{}, fmt.Errorf("open media: %w", err)
	}
	defer f.Close()

	q := url.Values{}
	q.Set("encode", "true")
	q.Set("task", "transcribe")
	q.Set("output", "json")
	endpoint := e.base + "/asr?" + q.Encode()

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("audio_file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return Transcription{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := e.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Transcription{}, ctx.Err()
		}
		return Transcription{}, fmt.Errorf("%w: send to asr service: %v", apperr.ErrInference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Transcription{}, fmt.Errorf("%w: asr service returned %s: %s", apperr.ErrInference, resp.Status, strings.TrimSpace(string(body)))
	}

	var out asrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcription{}, fmt.Errorf("%w: parse asr response: %v", apperr.ErrInference, err)
	}
	if out.Error != "" {
		return Transcription{}, fmt.Errorf("%w: %s", apperr.ErrInference, out.Error)
	}

	t := Transcription{
		Text:     strings.TrimSpace(out.Text),
		Language: out.Language,
	}
	for _, s := range out.Segments {
		t.Segments = append(t.Segments, Segment{
			Start: seconds(s.Start),
			End:   seconds(s.End),
			Text:  strings.TrimSpace(s.Text),
		})
	}
	t.Duration = durationOf(t.Segments)

	log.Debug().
		Str("engine", e.Name()).
		Str("lang", t.Language).
		Int("segments", len(t.Segments)).
		Dur("took", time.Since(start)).
		Msg("whisper: transcription complete")
	return t, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

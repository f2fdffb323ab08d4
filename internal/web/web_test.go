package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Albpenu/whisperweb/internal/apperr"
	"github.com/Albpenu/whisperweb/internal/config"
	"github.com/Albpenu/whisperweb/internal/language"
	"github.com/Albpenu/whisperweb/internal/media"
	"github.com/Albpenu/whisperweb/internal/pipeline"
	"github.com/Albpenu/whisperweb/internal/queue"
	"github.com/Albpenu/whisperweb/internal/store"
	"github.com/Albpenu/whisperweb/internal/whisper"
	"github.com/Albpenu/whisperweb/internal/worker"
)

const transcript = "Hello from the test fixture"

type fakeEngine struct {
	err     error
	gate    chan struct{}
	lang    string
	onStart func()
}

func (f *fakeEngine) Transcribe(ctx context.Context, _ string) (whisper.Transcription, error) {
	if f.onStart != nil {
		f.onStart()
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return whisper.Transcription{}, ctx.Err()
		}
	}
	if f.err != nil {
		return whisper.Transcription{}, f.err
	}
	lang := f.lang
	if lang == "" {
		lang = "en"
	}
	return whisper.Transcription{Text: transcript, Language: lang}, nil
}
func (f *fakeEngine) Name() string { return "fake" }
func (f *fakeEngine) Close() error { return nil }

type fakeDownloader struct {
	dir string
	err error
}

func (d fakeDownloader) Download(_ context.Context, rawURL string) (media.Saved, error) {
	if d.err != nil {
		return media.Saved{}, d.err
	}
	path := filepath.Join(d.dir, "video.mp3")
	if err := os.WriteFile(path, []byte("ID3"), 0o644); err != nil {
		return media.Saved{}, err
	}
	return media.Saved{Path: path, Name: "A talk about " + rawURL, Format: "mp3", Size: 3}, nil
}

type fullQueue struct{}

func (fullQueue) Enqueue(context.Context, queue.Job) error {
	return fmt.Errorf("%w (32 waiting)", apperr.ErrQueueFull)
}
func (fullQueue) Consume(context.Context, queue.Handler) error { return nil }
func (fullQueue) Close() error                                 { return nil }

type harness struct {
	srv   *Server
	h     http.Handler
	store *store.Memory
	dir   string
}

type option func(*config.Config)

func newHarness(t *testing.T, eng whisper.Engine, opts ...option) *harness {
	t.Helper()
	cfg := config.FromEnv()
	cfg.UploadDir = t.TempDir()
	cfg.MaxUploadBytes = 64 * 1024
	cfg.AllowedExtensions = []string{"wav", "mp3", "ogg", "flac", "webm"}
	cfg.WaitForResult = true
	cfg.ResultWaitTimeout = 5 * time.Second
	cfg.MaxAttempts = 1
	cfg.TaskTimeout = 5 * time.Second
	for _, o := range opts {
		o(&cfg)
	}

	st := store.NewMemory(time.Hour)
	t.Cleanup(func() { st.Close() })
	var q queue.Queue = queue.NewInProcess(4, 2)
	if cfg.Queue == config.QueueSync {
		q = queue.NewInline()
	}
	runner := &worker.Runner{
		Processor:   pipeline.NewProcessor(eng, language.DisplayNamer{Target: "es"}),
		Store:       st,
		Queue:       q,
		TaskTimeout: cfg.TaskTimeout,
		MaxAttempts: cfg.MaxAttempts,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Consume(ctx, runner.Handle)
	if cfg.Queue == config.QueueSync {
		// Inline rejects jobs until its consumer is registered
		require.Eventually(t, func() bool {
			return !errors.Is(q.Enqueue(ctx, queue.Job{TaskID: "warm-up"}), queue.ErrClosed)
		}, time.Second, 5*time.Millisecond)
	}

	srv, err := NewServer(cfg, st, q, fakeDownloader{dir: cfg.UploadDir})
	require.NoError(t, err)
	srv.poll = 5 * time.Millisecond
	return &harness{srv: srv, h: srv.Router(), store: st, dir: cfg.UploadDir}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func uploadRequest(t *testing.T, path, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
		hdr.Set("Content-Type", contentType)
		w, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// wav is a tiny RIFF header; the fake engine never decodes it.
var wav = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")

func assertUploadsCleaned(t *testing.T, dir string) {
	t.Helper()
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond, "media files must be deleted once the task is done")
}

func TestHealthAndFavicon(t *testing.T) {
	h := newHarness(t, &fakeEngine{})

	rec := h.get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, h.get("/favicon.ico").Code)

	rec = h.get("/static/recorder.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "MediaRecorder")
}

func TestIndex(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	rec := h.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `name="audio_file"`)
	assert.Contains(t, body, `name="recording"`)
	assert.Contains(t, body, `name="url"`)
	assert.Contains(t, body, `accept=".wav,.mp3,.ogg,.flac,.webm"`)
	assert.Contains(t, body, "recorder.js")
}

func TestUploadRendersTranscriptAndLanguage(t *testing.T) {
	h := newHarness(t, &fakeEngine{})

	rec := h.do(uploadRequest(t, "/transcribe/file", "audio_file", "prueba.wav", "audio/wav", wav))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, transcript)
	assert.Contains(t, body, "Inglés")
	assert.Contains(t, body, "(en)")
	assert.Contains(t, body, "prueba")
	assert.Contains(t, body, `<dd class="format">wav</dd>`)

	assertUploadsCleaned(t, h.dir)
}

func syncMode(c *config.Config) { c.Queue = config.QueueSync }

func TestSyncModeRendersResultInRequest(t *testing.T) {
	h := newHarness(t, &fakeEngine{lang: "german"}, syncMode, func(c *config.Config) { c.WaitForResult = false })

	rec := h.do(uploadRequest(t, "/transcribe/file", "audio_file", "prueba.wav", "audio/wav", wav))
	// the task is already finished when the redirect is sent
	require.Equal(t, http.StatusSeeOther, rec.Code)
	id := strings.TrimPrefix(rec.Header().Get("Location"), "/processing/")
	task, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, task.Status)
	assertUploadsCleaned(t, h.dir)

	h = newHarness(t, &fakeEngine{lang: "german"}, syncMode)
	rec = h.do(uploadRequest(t, "/transcribe/file", "audio_file", "prueba.wav", "audio/wav", wav))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), transcript)
	assert.Contains(t, rec.Body.String(), "Alemán")
	assert.Contains(t, rec.Body.String(), "(de)")
	assertUploadsCleaned(t, h.dir)
}

func TestSyncModeSurvivesClientHangup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, &fakeEngine{onStart: cancel}, syncMode)

	req := uploadRequest(t, "/transcribe/file", "audio_file", "prueba.wav", "audio/wav", wav).WithContext(ctx)
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), transcript)
	require.Error(t, ctx.Err(), "the request was cancelled while the engine ran")
	assertUploadsCleaned(t, h.dir)
}

func TestRecordingOnLegacyRoute(t *testing.T) {
	h := newHarness(t, &fakeEngine{lang: "french"})

	rec := h.do(uploadRequest(t, "/transcripcion_grabacion", "audiograbado", "recording.ogg", "audio/ogg; codecs=opus", []byte("OggS")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Francés")
	assert.Contains(t, rec.Body.String(), transcript)
	assertUploadsCleaned(t, h.dir)
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t, &fakeEngine{})

	rec := h.do(uploadRequest(t, "/transcribe/file", "audio_file", "malware.exe", "application/octet-stream", []byte("MZ")))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Contains(t, rec.Body.String(), "File type not allowed")
	assert.Contains(t, rec.Body.String(), "wav, mp3, ogg, flac, webm")

	rec = h.do(uploadRequest(t, "/transcribe/file", "audio_file", "big.wav", "audio/wav", bytes.Repeat([]byte("a"), 65*1024)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = h.do(uploadRequest(t, "/transcribe/file", "", "", "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/transcribe/file", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, h.do(req).Code)

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVideo(t *testing.T) {
	h := newHarness(t, &fakeEngine{})

	form := url.Values{"url": {"https://example.com/v/1"}}
	req := httptest.NewRequest(http.MethodPost, "/transcribe/video", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "A talk about https://example.com/v/1")
	assert.Contains(t, rec.Body.String(), transcript)
	assertUploadsCleaned(t, h.dir)

	form = url.Values{"url": {"javascript:alert(1)"}}
	req = httptest.NewRequest(http.MethodPost, "/transcribe/video", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusBadRequest, h.do(req).Code)
}

func TestVideoDownloadFailure(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	h.srv.downloader = fakeDownloader{err: fmt.Errorf("%w: ERROR: Unsupported URL", apperr.ErrDownload)}

	form := url.Values{"url": {"https://example.com/"}}
	req := httptest.NewRequest(http.MethodPost, "/transcribe/video", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := h.do(req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not be downloaded")
}

func TestAsyncFlow(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, func(c *config.Config) { c.WaitForResult = false })

	rec := h.do(uploadRequest(t, "/transcribe/file", "audio_file", "prueba.mp3", "audio/mpeg", []byte("ID3")))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "/processing/"), loc)
	id := strings.TrimPrefix(loc, "/processing/")

	require.Eventually(t, func() bool {
		rec := h.get("/tasks/" + id + "/status")
		var body statusBody
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &body) == nil && body.Status == store.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	rec = h.get("/processing/" + id)
	assert.Equal(t, http.StatusSeeOther, rec.Code, "finished tasks go straight to the result")
	assert.Equal(t, "/results/"+id, rec.Header().Get("Location"))

	rec = h.get("/results/" + id)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), transcript)

	rec = h.get("/taskstatus?task_id=" + id)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"SUCCESS"`)
	assertUploadsCleaned(t, h.dir)
}

func TestWaitTimeoutFallsBackToProcessingPage(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, &fakeEngine{gate: gate}, func(c *config.Config) { c.ResultWaitTimeout = 30 * time.Millisecond })

	rec := h.do(uploadRequest(t, "/transcribe/file", "audio_file", "slow.wav", "audio/wav", wav))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	id := strings.TrimPrefix(rec.Header().Get("Location"), "/processing/")

	rec = h.get("/processing/" + id)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/ws/tasks/")
	assert.Contains(t, rec.Body.String(), id)

	rec = h.get("/results/" + id)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "task-status")
}

func TestFailedTaskRendersError(t *testing.T) {
	h := newHarness(t, &fakeEngine{err: fmt.Errorf("%w: asr service returned 500", apperr.ErrInference)})

	rec := h.do(uploadRequest(t, "/transcribe/file", "audio_file", "prueba.wav", "audio/wav", wav))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not transcribe")
	assert.Contains(t, rec.Body.String(), "asr service returned 500")
	assertUploadsCleaned(t, h.dir)
}

func TestQueueFull(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	h.srv.queue = fullQueue{}

	rec := h.do(uploadRequest(t, "/transcribe/file", "audio_file", "prueba.wav", "audio/wav", wav))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "busy")

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnknownTask(t *testing.T) {
	h := newHarness(t, &fakeEngine{})

	assert.Equal(t, http.StatusNotFound, h.get("/results/nope").Code)
	assert.Equal(t, http.StatusNotFound, h.get("/resultados/nope").Code)
	assert.Equal(t, http.StatusNotFound, h.get("/processing/nope").Code)
	assert.Equal(t, http.StatusNotFound, h.get("/ws/tasks/nope").Code)

	rec := h.get("/tasks/nope/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, h.get("/no/such/page").Code)
}

func TestTaskWebsocket(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	ctx := context.Background()
	require.NoError(t, h.store.Create(ctx, store.Task{ID: "t1", Source: queue.SourceFile}))

	ts := httptest.NewServer(h.h)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/tasks/t1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "status", ev["type"])
	assert.Equal(t, "PENDING", ev["status"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping", "ts": 42}))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "pong", ev["type"])

	require.NoError(t, h.store.MarkStarted(ctx, "t1"))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "STARTED", ev["status"])

	require.NoError(t, h.store.Complete(ctx, "t1", pipeline.Result{TaskID: "t1", Transcript: transcript}))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "SUCCESS", ev["status"])

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"github.com/Albpenu/whisperweb/internal/apperr"
	"github.com/Albpenu/whisperweb/internal/media"
	"github.com/Albpenu/whisperweb/internal/queue"
	"github.com/Albpenu/whisperweb/internal/store"
)

// multipart overhead allowed on top of the file limit
const formSlack = 1 << 20

type indexPage struct {
	Allowed []string
	Accept  string
	MaxMB   int64
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	accept := make([]string, 0, len(s.cfg.AllowedExtensions))
	for _, ext := range s.cfg.AllowedExtensions {
		accept = append(accept, "."+ext)
	}
	s.render(w, r, http.StatusOK, "index.html", indexPage{
		Allowed: s.cfg.AllowedExtensions,
		Accept:  strings.Join(accept, ","),
		MaxMB:   s.cfg.MaxUploadBytes / (1000 * 1000),
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	s.submitUpload(w, r, queue.SourceFile, "audio_file", "archivo_audio")
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	s.submitUpload(w, r, queue.SourceRecording, "recording", "audiograbado")
}

func (s *Server) submitUpload(w http.ResponseWriter, r *http.Request, source string, fields ...string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+formSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.renderError(w, r, fmt.Errorf("%w: request body over %d bytes", apperr.ErrTooLarge, tooBig.Limit))
			return
		}
		s.renderError(w, r, fmt.Errorf("%w: %v", apperr.ErrInvalidFile, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	saved, err := s.uploader.Save(formFile(r.MultipartForm, fields...))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.submit(w, r, source, saved)
}

func formFile(form *multipart.Form, fields ...string) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	for _, f := range fields {
		if fhs := form.File[f]; len(fhs) > 0 {
			return fhs[0]
		}
	}
	return nil
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, formSlack)
	raw := r.FormValue("url")
	if _, err := media.ValidateURL(raw); err != nil {
		s.renderError(w, r, err)
		return
	}
	saved, err := s.downloader.Download(r.Context(), raw)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.submit(w, r, queue.SourceVideo, saved)
}

// submit records a PENDING task for saved, hands it to the queue and either
// waits for the result or sends the browser to the processing page.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, source string, saved media.Saved) {
	ctx := r.Context()
	l := hlog.FromRequest(r)
	id := uuid.NewString()

	task := store.Task{ID: id, Status: store.StatusPending, Source: source, FileName: saved.Name, Format: saved.Format}
	if err := s.store.Create(ctx, task); err != nil {
		os.Remove(saved.Path)
		s.renderError(w, r, err)
		return
	}
	job := queue.Job{
		TaskID:     id,
		Source:     source,
		Path:       saved.Path,
		FileName:   saved.Name,
		Format:     saved.Format,
		Attempt:    1,
		EnqueuedAt: s.now(),
	}
	// in sync mode the task runs here; a client that hangs up does not cancel it
	if err := s.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		if rmErr := os.Remove(saved.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			l.Warn().Err(rmErr).Str("path", saved.Path).Msg("web: could not delete media file")
		}
		if ferr := s.store.Fail(context.WithoutCancel(ctx), id, err.Error()); ferr != nil {
			l.Warn().Err(ferr).Str("task", id).Msg("web: could not record enqueue failure")
		}
		s.renderError(w, r, err)
		return
	}
	l.Info().Str("task", id).Str("source", source).Int64("bytes", saved.Size).Msg("web: task queued")

	if !s.cfg.WaitForResult {
		s.redirectProcessing(w, r, id)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.ResultWaitTimeout)
	defer cancel()
	t, err := store.Await(wctx, s.store, id, s.poll)
	if err != nil {
		if wctx.Err() != nil {
			s.redirectProcessing(w, r, id)
			return
		}
		s.renderError(w, r, err)
		return
	}
	s.renderTask(w, r, t)
}

func (s *Server) redirectProcessing(w http.ResponseWriter, r *http.Request, id string) {
	http.Redirect(w, r, "/processing/"+id, http.StatusSeeOther)
}

// renderTask shows the page matching the task's state.
func (s *Server) renderTask(w http.ResponseWriter, r *http.Request, t store.Task) {
	switch {
	case t.Status == store.StatusSuccess && t.Result != nil:
		s.render(w, r, http.StatusOK, "result.html", t.Result)
	case t.Status == store.StatusFailure:
		s.renderFailed(w, r, t)
	default:
		s.render(w, r, http.StatusOK, "processing.html", t)
	}
}

// taskID reads the id from the path, or from ?task_id= on the old routes.
func taskID(r *http.Request) string {
	if id := chi.URLParam(r, "id"); id != "" {
		return id
	}
	return r.URL.Query().Get("task_id")
}

func (s *Server) handleProcessing(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), taskID(r))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if t.Status.Terminal() {
		http.Redirect(w, r, "/results/"+t.ID, http.StatusSeeOther)
		return
	}
	s.render(w, r, http.StatusOK, "processing.html", t)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), taskID(r))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderTask(w, r, t)
}

type statusBody struct {
	ID       string       `json:"id"`
	Status   store.Status `json:"status"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error,omitempty"`
}

func statusOf(t store.Task) statusBody {
	return statusBody{ID: t.ID, Status: t.Status, Attempts: t.Attempts, Error: t.Error}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	t, err := s.store.Get(r.Context(), taskID(r))
	if err != nil {
		w.WriteHeader(apperr.Status(err))
		json.NewEncoder(w).Encode(map[string]any{"error": apperr.Message(err)})
		return
	}
	json.NewEncoder(w).Encode(statusOf(t))
}

// Package web serves the HTML front-end: submission forms, task progress and
// result pages.
package web

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"

	"github.com/Albpenu/whisperweb/internal/apperr"
	"github.com/Albpenu/whisperweb/internal/config"
	"github.com/Albpenu/whisperweb/internal/media"
	"github.com/Albpenu/whisperweb/internal/queue"
	"github.com/Albpenu/whisperweb/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// Downloader fetches the audio track of a remote video.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (media.Saved, error)
}

type Server struct {
	cfg        config.Config
	store      store.Store
	queue      queue.Queue
	uploader   media.Uploader
	downloader Downloader
	pages      *template.Template
	upgrader   websocket.Upgrader
	poll       time.Duration
	now        func() time.Time
}

// NewServer wires the handlers. A nil dl downloads with yt-dlp as configured.
func NewServer(cfg config.Config, st store.Store, q queue.Queue, dl Downloader) (*Server, error) {
	pages, err := template.New("").Funcs(template.FuncMap{
		"join": strings.Join,
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("web: parse templates: %w", err)
	}
	if dl == nil {
		dl = media.Downloader{Dir: cfg.UploadDir, Binary: cfg.YTDLPPath}
	}
	return &Server{
		cfg:   cfg,
		store: st,
		queue: q,
		uploader: media.Uploader{
			Dir:      cfg.UploadDir,
			MaxBytes: cfg.MaxUploadBytes,
			Allowed:  cfg.AllowedExtensions,
		},
		downloader: dl,
		pages:      pages,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
		poll: 500 * time.Millisecond,
		now:  time.Now,
	}, nil
}

// render executes a page into memory first so template errors never produce
// half-written responses.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, page string, data any) {
	var buf bytes.Buffer
	if err := s.pages.ExecuteTemplate(&buf, page, data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("page", page).Msg("web: render failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

type errorPage struct {
	Status  int
	Message string
	Detail  string
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)
	ev := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", status).Msg("web: request failed")
	page := errorPage{Status: status, Message: apperr.Message(err)}
	if errors.Is(err, apperr.ErrUnsupportedType) {
		page.Detail = "Accepted formats: " + strings.Join(s.cfg.AllowedExtensions, ", ")
	}
	s.render(w, r, status, "error.html", page)
}

// renderFailed shows a task that ended in FAILURE.
func (s *Server) renderFailed(w http.ResponseWriter, r *http.Request, t store.Task) {
	cause := apperr.FromReason(t.Error)
	status := apperr.Status(cause)
	msg := apperr.Message(cause)
	if cause == nil {
		msg = "The transcription could not be completed."
	}
	s.render(w, r, status, "error.html", errorPage{Status: status, Message: msg, Detail: t.Error})
}

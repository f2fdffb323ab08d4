package web

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("dur", dur).
			Msg("http: request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	r.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	static, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	r.Get("/", s.handleIndex)
	r.Post("/transcribe/file", s.handleFile)
	r.Post("/transcribe/recording", s.handleRecording)
	r.Post("/transcribe/video", s.handleVideo)
	r.Get("/processing/{id}", s.handleProcessing)
	r.Get("/tasks/{id}/status", s.handleStatus)
	r.Get("/results/{id}", s.handleResult)
	r.Get("/ws/tasks/{id}", s.handleTaskWS)

	// paths of the first releases, kept for old bookmarks and scripts
	r.Post("/transcripcion_archivo", s.handleFile)
	r.Post("/transcripcion_grabacion", s.handleRecording)
	r.Post("/transcripcion_video", s.handleVideo)
	r.Get("/procesando", s.handleProcessing)
	r.Get("/taskstatus", s.handleStatus)
	r.Get("/resultados/{id}", s.handleResult)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.render(w, r, http.StatusNotFound, "error.html", errorPage{Status: http.StatusNotFound, Message: "Page not found."})
	})
	return r
}

// Package apperr defines the errors the web front-end can report to users and
// how they map onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrInvalidFile       = errors.New("invalid or missing file")
	ErrUnsupportedType   = errors.New("file type not allowed")
	ErrTooLarge          = errors.New("file too large")
	ErrInvalidURL        = errors.New("invalid video url")
	ErrNotFound          = errors.New("not found")
	ErrQueueFull         = errors.New("transcription queue is full")
	ErrDownload          = errors.New("media download failed")
	ErrInference         = errors.New("transcription failed")
	ErrEngineUnavailable = errors.New("speech engine unavailable")
)

var statuses = []struct {
	err    error
	status int
	msg    string
}{
	{ErrInvalidFile, http.StatusBadRequest, "The file is missing or could not be read."},
	{ErrUnsupportedType, http.StatusUnsupportedMediaType, "File type not allowed. Upload one of the accepted audio formats."},
	{ErrTooLarge, http.StatusRequestEntityTooLarge, "The file is too large. Try a smaller one."},
	{ErrInvalidURL, http.StatusBadRequest, "The video address is not a valid http(s) URL."},
	{ErrNotFound, http.StatusNotFound, "No transcription exists with that id."},
	{ErrQueueFull, http.StatusServiceUnavailable, "The server is busy. Try again in a moment."},
	{ErrDownload, http.StatusBadGateway, "The video audio could not be downloaded."},
	{ErrInference, http.StatusBadGateway, "The speech engine could not transcribe the audio."},
	{ErrEngineUnavailable, http.StatusServiceUnavailable, "The speech engine is not available."},
}

// Status returns the HTTP status for err; errors outside the taxonomy are 500.
func Status(err error) int {
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// Message returns a message safe to show to end users.
func Message(err error) string {
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}
	return "Unexpected error while processing the request."
}

// FromReason recovers the taxonomy error from a stored failure reason, which
// is the text of a wrapped error. It returns nil when none matches. A failed
// task always existed, so ErrNotFound is never reported.
func FromReason(reason string) error {
	for _, s := range statuses {
		if s.err != ErrNotFound && strings.Contains(reason, s.err.Error()) {
			return s.err
		}
	}
	return nil
}

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	assert.Equal(t, http.StatusRequestEntityTooLarge, Status(fmt.Errorf("upload: %w", ErrTooLarge)))
	assert.Equal(t, http.StatusUnsupportedMediaType, Status(ErrUnsupportedType))
	assert.Equal(t, http.StatusNotFound, Status(fmt.Errorf("task abc: %w", ErrNotFound)))
	assert.Equal(t, http.StatusServiceUnavailable, Status(ErrQueueFull))
	assert.Equal(t, http.StatusInternalServerError, Status(errors.New("boom")))
}

func TestMessage(t *testing.T) {
	assert.Contains(t, Message(fmt.Errorf("x: %w", ErrTooLarge)), "too large")
	assert.NotContains(t, Message(ErrUnsupportedType), "flac", "the accepted formats are configurable")
	assert.Equal(t, "Unexpected error while processing the request.", Message(errors.New("secret detail")))
}

func TestFromReason(t *testing.T) {
	reason := fmt.Errorf("transcribe t1: %w", fmt.Errorf("%w: asr service returned 500", ErrInference)).Error()
	assert.Equal(t, ErrInference, FromReason(reason))
	assert.Equal(t, http.StatusBadGateway, Status(FromReason(reason)))
	assert.Nil(t, FromReason("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, Status(FromReason("disk on fire")))
}

func TestFromReasonIgnoresNotFound(t *testing.T) {
	reason := fmt.Errorf("%w: yt-dlp not found", ErrDownload).Error()
	assert.Equal(t, ErrDownload, FromReason(reason))
}

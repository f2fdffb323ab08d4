//go:build !whisper_cpp

package whisper

import (
	"fmt"

	"github.com/Albpenu/whisperweb/internal/apperr"
	"github.com/Albpenu/whisperweb/internal/audio"
)

// NewLocalEngine is unavailable without cgo; build with -tags whisper_cpp.
func NewLocalEngine(modelPath string, threads int, conv audio.Converter) (Engine, error) {
	return nil, fmt.Errorf("%w: binary built without the whisper_cpp tag", apperr.ErrEngineUnavailable)
}

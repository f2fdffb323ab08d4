package whisper

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Albpenu/whisperweb/internal/audio"
	"github.com/Albpenu/whisperweb/internal/config"
)

// New builds the engine selected by cfg.Engine.
func New(cfg config.Config) (Engine, error) {
	var (
		e   Engine
		err error
	)
	switch cfg.Engine {
	case config.EngineLocal:
		e, err = NewLocalEngine(cfg.ModelPath, cfg.WhisperThreads, audio.Converter{FFmpegPath: cfg.FFmpegPath})
	case config.EngineASR:
		e = NewASREngine(cfg.ASRURL, cfg.ASRTimeout)
	case config.EngineOpenAI:
		e = NewOpenAIEngine(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	default:
		return nil, fmt.Errorf("whisper: unknown engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("engine", e.Name()).Msg("whisper: engine ready")
	return e, nil
}

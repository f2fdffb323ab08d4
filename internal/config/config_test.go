package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, EngineASR, cfg.Engine)
	assert.Equal(t, QueueInProc, cfg.Queue)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, int64(100_000_000), cfg.MaxUploadBytes)
	assert.Equal(t, []string{"wav", "mp3", "ogg", "flac", "webm", "m4a"}, cfg.AllowedExtensions)
	assert.Equal(t, "es", cfg.DisplayLanguage)
	assert.True(t, cfg.WaitForResult)
	require.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("WHISPERWEB_ADDR", ":9999")
	t.Setenv("ENGINE", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ALLOWED_EXTENSIONS", " .WAV, mp3 ,,")
	t.Setenv("TASK_TIMEOUT", "90")
	t.Setenv("RESULT_TTL", "1h30m")
	t.Setenv("WAIT_FOR_RESULT", "off")
	t.Setenv("MAX_UPLOAD_MB", "5")
	t.Setenv("WORKERS", "not-a-number")

	cfg := FromEnv()

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, EngineOpenAI, cfg.Engine)
	assert.Equal(t, []string{"wav", "mp3"}, cfg.AllowedExtensions)
	assert.Equal(t, 90*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 90*time.Minute, cfg.ResultTTL)
	assert.False(t, cfg.WaitForResult)
	assert.Equal(t, int64(5_000_000), cfg.MaxUploadBytes)
	assert.Equal(t, 1, cfg.Workers)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := FromEnv()

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown engine", func(c *Config) { c.Engine = "torch" }, `unknown ENGINE "torch"`},
		{"openai without credentials", func(c *Config) { c.Engine = EngineOpenAI }, "OPENAI_API_KEY"},
		{"redis queue with memory store", func(c *Config) { c.Queue = QueueRedis }, "shared STORE"},
		{"postgres without url", func(c *Config) { c.Store = StorePostgres }, "POSTGRES_URL"},
		{"unknown queue", func(c *Config) { c.Queue = "celery" }, `unknown QUEUE "celery"`},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "MAX_ATTEMPTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	ok := base
	ok.Queue = QueueRedis
	ok.Store = StoreRedis
	require.NoError(t, ok.Validate())
	assert.True(t, ok.NeedsRedis())
}

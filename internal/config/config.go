package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Engine kinds.
const (
	EngineLocal  = "local"
	EngineASR    = "asr"
	EngineOpenAI = "openai"
)

// Queue modes.
const (
	QueueSync   = "sync"
	QueueInProc = "inproc"
	QueueRedis  = "redis"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	UploadDir         string
	MaxUploadBytes    int64
	AllowedExtensions []string
	YTDLPPath         string
	FFmpegPath        string

	Engine         string
	ModelPath      string
	WhisperThreads int
	ASRURL         string
	ASRTimeout     time.Duration
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string

	TranslationBaseURL    string
	TranslationAPIKey     string
	TranslationEnabled    bool
	TranslationTimeoutSec int
	DisplayLanguage       string

	Queue       string
	QueueSize   int
	Workers     int
	RedisURL    string
	QueueName   string
	TaskTimeout time.Duration
	MaxAttempts int

	Store       string
	PostgresURL string
	ResultTTL   time.Duration

	WaitForResult     bool
	ResultWaitTimeout time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "0", "false", "no", "off", "False", "FALSE":
			return false
		default:
			return true
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// getenvDuration accepts Go durations ("90s", "15m") or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), ".")))
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// Load reads a .env file from the working directory when one exists and then
// builds the configuration from the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("config: could not read .env file")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() Config {
	return Config{
		Addr:      getenv("WHISPERWEB_ADDR", ":8080"),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		UploadDir:         getenv("UPLOAD_DIR", "./uploads"),
		MaxUploadBytes:    int64(getenvInt("MAX_UPLOAD_MB", 100)) * 1000 * 1000,
		AllowedExtensions: getenvList("ALLOWED_EXTENSIONS", []string{"wav", "mp3", "ogg", "flac", "webm", "m4a"}),
		YTDLPPath:         getenv("YTDLP_PATH", "yt-dlp"),
		FFmpegPath:        getenv("FFMPEG_PATH", "ffmpeg"),

		Engine:         strings.ToLower(getenv("ENGINE", EngineASR)),
		ModelPath:      getenv("WHISPER_MODEL_PATH", "./models/ggml-medium.bin"),
		WhisperThreads: getenvInt("WHISPER_THREADS", 0),
		ASRURL:         getenv("ASR_URL", "http://localhost:9000"),
		ASRTimeout:     getenvDuration("ASR_TIMEOUT", 10*time.Minute),
		OpenAIAPIKey:   getenv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getenv("OPENAI_BASE_URL", ""),
		OpenAIModel:    getenv("OPENAI_MODEL", "whisper-1"),

		TranslationBaseURL:    getenv("TRANSLATION_BASE_URL", "https://libretranslate.com"),
		TranslationAPIKey:     getenv("TRANSLATION_API_KEY", ""),
		TranslationEnabled:    getenvBool("WHISPER_SERVER_TRANSLATIONS", true),
		TranslationTimeoutSec: getenvInt("TRANSLATION_TIMEOUT", 8),
		DisplayLanguage:       getenv("DISPLAY_LANGUAGE", "es"),

		Queue:       strings.ToLower(getenv("QUEUE", QueueInProc)),
		QueueSize:   getenvInt("QUEUE_SIZE", 32),
		Workers:     getenvInt("WORKERS", 1),
		RedisURL:    getenv("REDIS_URL", "redis://localhost:6379/0"),
		QueueName:   getenv("QUEUE_NAME", "transcription_queue"),
		TaskTimeout: getenvDuration("TASK_TIMEOUT", 15*time.Minute),
		MaxAttempts: getenvInt("MAX_ATTEMPTS", 3),

		Store:       strings.ToLower(getenv("STORE", StoreMemory)),
		PostgresURL: getenv("POSTGRES_URL", ""),
		ResultTTL:   getenvDuration("RESULT_TTL", 24*time.Hour),

		WaitForResult:     getenvBool("WAIT_FOR_RESULT", true),
		ResultWaitTimeout: getenvDuration("RESULT_WAIT_TIMEOUT", 2*time.Minute),
	}
}

// Validate reports configuration combinations that cannot work.
func (c Config) Validate() error {
	switch c.Engine {
	case EngineLocal:
		if c.ModelPath == "" {
			return errors.New("config: WHISPER_MODEL_PATH is required for the local engine")
		}
	case EngineASR:
		if c.ASRURL == "" {
			return errors.New("config: ASR_URL is required for the asr engine")
		}
	case EngineOpenAI:
		if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
			return errors.New("config: OPENAI_API_KEY or OPENAI_BASE_URL is required for the openai engine")
		}
	default:
		return fmt.Errorf("config: unknown ENGINE %q", c.Engine)
	}

	switch c.Queue {
	case QueueSync, QueueInProc:
	case QueueRedis:
		if c.Store == StoreMemory {
			return errors.New("config: the redis queue needs a shared STORE (redis or postgres)")
		}
	default:
		return fmt.Errorf("config: unknown QUEUE %q", c.Queue)
	}

	switch c.Store {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.PostgresURL == "" {
			return errors.New("config: POSTGRES_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown STORE %q", c.Store)
	}

	if c.MaxUploadBytes <= 0 {
		return errors.New("config: MAX_UPLOAD_MB must be positive")
	}
	if c.MaxAttempts < 1 {
		return errors.New("config: MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// NeedsRedis reports whether any component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.Queue == QueueRedis || c.Store == StoreRedis
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Port        string
	DatabaseURL string
	// SnapshotPath is the bbolt file holding the local fallback copy of conversations.
	SnapshotPath string

	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookBackoff     time.Duration
	ResponseCacheSize  int

	SessionIdleTTL       time.Duration
	SessionImageCapacity int

	OpenAIAPIKey          string
	OpenAITranscribeModel string

	CORSAllowedOrigins []string

	// Static chatbot used when no database is configured.
	ChatbotID            string
	ChatbotWebhookURL    string
	ChatbotAcceptsImages bool
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Port:                  stringOr(getenv("PORT"), "8080"),
		DatabaseURL:           strings.TrimSpace(getenv("DATABASE_URL")),
		SnapshotPath:          stringOr(getenv("SNAPSHOT_PATH"), "data/snapshots.bolt"),
		OpenAIAPIKey:          strings.TrimSpace(getenv("OPENAI_API_KEY")),
		OpenAITranscribeModel: stringOr(getenv("OPENAI_TRANSCRIBE_MODEL"), "whisper-1"),
		CORSAllowedOrigins:    splitList(stringOr(getenv("CORS_ALLOWED_ORIGINS"), "*")),
		ChatbotID:             strings.TrimSpace(getenv("CHATBOT_ID")),
		ChatbotWebhookURL:     strings.TrimSpace(getenv("CHATBOT_WEBHOOK_URL")),
	}

	var err error
	if cfg.WebhookTimeout, err = durationOr(getenv("WEBHOOK_TIMEOUT"), 10*time.Minute); err != nil {
		return Config{}, errors.Wrap(err, "WEBHOOK_TIMEOUT")
	}
	if cfg.WebhookBackoff, err = durationOr(getenv("WEBHOOK_BACKOFF"), time.Second); err != nil {
		return Config{}, errors.Wrap(err, "WEBHOOK_BACKOFF")
	}
	if cfg.WebhookMaxAttempts, err = intOr(getenv("WEBHOOK_MAX_ATTEMPTS"), 3); err != nil {
		return Config{}, errors.Wrap(err, "WEBHOOK_MAX_ATTEMPTS")
	}
	if cfg.ResponseCacheSize, err = intOr(getenv("RESPONSE_CACHE_SIZE"), 50); err != nil {
		return Config{}, errors.Wrap(err, "RESPONSE_CACHE_SIZE")
	}
	if cfg.SessionIdleTTL, err = durationOr(getenv("SESSION_IDLE_TTL"), 30*time.Minute); err != nil {
		return Config{}, errors.Wrap(err, "SESSION_IDLE_TTL")
	}
	if cfg.SessionImageCapacity, err = intOr(getenv("SESSION_IMAGE_CAPACITY"), 16); err != nil {
		return Config{}, errors.Wrap(err, "SESSION_IMAGE_CAPACITY")
	}
	if v := strings.TrimSpace(getenv("CHATBOT_ACCEPTS_IMAGES")); v != "" {
		if cfg.ChatbotAcceptsImages, err = strconv.ParseBool(v); err != nil {
			return Config{}, errors.Wrap(err, "CHATBOT_ACCEPTS_IMAGES")
		}
	}

	if cfg.WebhookMaxAttempts < 1 {
		return Config{}, errors.New("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.ResponseCacheSize < 1 {
		return Config{}, errors.New("RESPONSE_CACHE_SIZE must be at least 1")
	}
	if cfg.SessionIdleTTL <= 0 {
		return Config{}, errors.New("SESSION_IDLE_TTL must be positive")
	}
	if cfg.SessionImageCapacity < 1 {
		return Config{}, errors.New("SESSION_IMAGE_CAPACITY must be at least 1")
	}
	if cfg.DatabaseURL == "" && cfg.ChatbotID != "" && cfg.ChatbotWebhookURL == "" {
		return Config{}, errors.New("CHATBOT_WEBHOOK_URL is required when CHATBOT_ID is set")
	}
	return cfg, nil
}

func stringOr(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

func durationOr(v string, def time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

func intOr(v string, def int) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

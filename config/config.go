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

	"boardsync/internal/archive"
	"boardsync/internal/queue"
)

// Config holds all configuration fields for the application.
type Config struct {
	DatabaseURL string
	Port        string
	LogLevel    string
	LogFormat   string
	DBTimeout   time.Duration

	BoardAPIURL           string
	BoardAPIToken         string
	BoardAPIVersion       string
	BoardAPITimeout       time.Duration
	BoardAPIRatePerSecond float64
	BoardMappingFile      string

	WebhookPath          string
	WebhookSigningSecret string
	WebhookSignatureMode string
	AdminToken           string

	SyncMaxAttempts     int
	SyncBackoff         queue.Backoff
	SchedulerInterval   time.Duration
	SchedulerBatchSize  int
	SchedulerStaleAfter time.Duration

	RabbitMQURL         string
	RabbitMQQueuePrefix string

	S3 archive.Config
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}
	return Load(os.Getenv)
}

type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.get(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (e *env) integer(key string, def int) int {
	v := e.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: expected a positive integer, got %q", key, v))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := e.get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: expected a positive number, got %q", key, v))
		return def
	}
	return f
}

func (e *env) boolean(key string) bool {
	v := e.get(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
	}
	return b
}

// Load reads configuration through getenv and applies defaults. Malformed
// values are reported together.
func Load(getenv func(string) string) (*Config, error) {
	e := &env{get: getenv}

	cfg := &Config{
		DatabaseURL: e.str("DATABASE_URL", "boardsync.db"),
		Port:        e.str("PORT", "8080"),
		LogLevel:    e.str("LOG_LEVEL", "info"),
		LogFormat:   e.str("LOG_FORMAT", "console"),
		DBTimeout:   e.duration("DB_TIMEOUT", 10*time.Second),

		BoardAPIURL:           e.str("BOARD_API_URL", "https://api.monday.com/v2"),
		BoardAPIToken:         e.str("BOARD_API_TOKEN", ""),
		BoardAPIVersion:       e.str("BOARD_API_VERSION", "2024-10"),
		BoardAPITimeout:       e.duration("BOARD_API_TIMEOUT", 20*time.Second),
		BoardAPIRatePerSecond: e.float("BOARD_API_RATE_PER_SECOND", 5),
		BoardMappingFile:      e.str("BOARD_MAPPING_FILE", "board_mapping.yaml"),

		WebhookPath:          e.str("WEBHOOK_PATH", "/webhooks/board"),
		WebhookSigningSecret: e.str("WEBHOOK_SIGNING_SECRET", ""),
		WebhookSignatureMode: strings.ToLower(e.str("WEBHOOK_SIGNATURE_MODE", "jwt")),
		AdminToken:           e.str("ADMIN_TOKEN", ""),

		SyncMaxAttempts:     e.integer("SYNC_MAX_ATTEMPTS", queue.DefaultMaxAttempts),
		SyncBackoff:         queue.DefaultBackoff,
		SchedulerInterval:   e.duration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerBatchSize:  e.integer("SCHEDULER_BATCH_SIZE", queue.DefaultBatchSize),
		SchedulerStaleAfter: e.duration("SCHEDULER_STALE_AFTER", 15*time.Minute),

		RabbitMQURL:         e.str("RABBITMQ_URL", ""),
		RabbitMQQueuePrefix: e.str("RABBITMQ_QUEUE_PREFIX", "boardsync"),

		S3: archive.Config{
			Bucket:    e.str("S3_BUCKET", ""),
			Region:    e.str("S3_REGION", ""),
			Endpoint:  e.str("S3_ENDPOINT", ""),
			AccessKey: e.str("S3_ACCESS_KEY", ""),
			SecretKey: e.str("S3_SECRET_KEY", ""),
			PathStyle: e.boolean("S3_PATH_STYLE"),
			Prefix:    e.str("S3_PREFIX", ""),
		},
	}

	if v := e.get("SYNC_BACKOFF_MINUTES"); v != "" {
		b, err := queue.ParseBackoffMinutes(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("SYNC_BACKOFF_MINUTES: %w", err))
		} else {
			cfg.SyncBackoff = b
		}
	}

	switch cfg.WebhookSignatureMode {
	case "jwt", "hmac":
	default:
		e.errs = append(e.errs, fmt.Errorf("WEBHOOK_SIGNATURE_MODE: must be jwt or hmac, got %q", cfg.WebhookSignatureMode))
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// RequireBoardAPI checks the settings needed by commands that call the board.
func (c *Config) RequireBoardAPI() error {
	if c.BoardAPIToken == "" {
		return errors.New("BOARD_API_TOKEN is required")
	}
	return nil
}

// RequireWebhook checks the settings needed to accept webhooks. Deliveries
// are never accepted unsigned.
func (c *Config) RequireWebhook() error {
	if c.WebhookSigningSecret == "" {
		return errors.New("WEBHOOK_SIGNING_SECRET is required")
	}
	return nil
}

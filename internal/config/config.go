package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Queue backends selectable with QUEUE_BACKEND.
const (
	QueueBackendPostgres = "postgres"
	QueueBackendRedis    = "redis"
	QueueBackendMemory   = "memory"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL is required.
// Site push settings (batch size, TTL, VAPID keys) are not here: they live
// in the settings file at SettingsPath.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	// MigrationsDir holds the golang-migrate SQL files.
	MigrationsDir string

	// Delivery queue
	QueueBackend     string
	RedisURL         string
	RedisQueuePrefix string
	QueueLease       time.Duration
	QueueMaxAttempts int

	// Retry backoff durations: index 0 = first retry delay, etc.
	RetryBackoff []time.Duration

	// Workers drain the queue on DrainSchedule (cron spec) and after every
	// content publish.
	Workers       int
	DrainSchedule string

	SettingsPath string
	SiteBaseURL  string

	// Push transport
	VAPIDSubject    string
	PushTimeout     time.Duration
	PushConcurrency int
	// PushRateLimit is requests per second per push service host; 0 disables.
	PushRateLimit int

	// AdminToken protects the operator endpoints; empty disables the check.
	AdminToken string
}

// Load reads an optional .env file, then the environment. Variables already
// set in the environment win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL: dbURL,
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),

		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),

		QueueBackend:     strings.ToLower(getEnv("QUEUE_BACKEND", QueueBackendPostgres)),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisQueuePrefix: getEnv("REDIS_QUEUE_PREFIX", "{webpush}"),
		QueueLease:       getDuration("QUEUE_LEASE", 2*time.Minute),
		QueueMaxAttempts: getInt("QUEUE_MAX_ATTEMPTS", 4),

		RetryBackoff: []time.Duration{
			getDuration("RETRY_BACKOFF_1", 5*time.Second),
			getDuration("RETRY_BACKOFF_2", 30*time.Second),
			getDuration("RETRY_BACKOFF_3", 120*time.Second),
		},

		Workers:       getInt("WORKERS", 4),
		DrainSchedule: getEnv("DRAIN_SCHEDULE", "@every 1m"),

		SettingsPath: getEnv("SETTINGS_PATH", "push-settings.yaml"),
		SiteBaseURL:  getEnv("SITE_BASE_URL", ""),

		VAPIDSubject:    getEnv("VAPID_SUBJECT", "admin@example.com"),
		PushTimeout:     getDuration("PUSH_TIMEOUT", 10*time.Second),
		PushConcurrency: getInt("PUSH_CONCURRENCY", 16),
		PushRateLimit:   getInt("PUSH_RATE_LIMIT", 50),

		AdminToken: os.Getenv("ADMIN_TOKEN"),
	}

	switch cfg.QueueBackend {
	case QueueBackendPostgres, QueueBackendRedis, QueueBackendMemory:
	default:
		return nil, fmt.Errorf("QUEUE_BACKEND must be postgres, redis or memory, got %q", cfg.QueueBackend)
	}
	if cfg.QueueMaxAttempts < 1 {
		return nil, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("WORKERS must be at least 1")
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the per-worker runtime configuration.
type Config struct {
	Env        string
	WorkerID   int
	NumWorkers int
	Port       string

	JWTSecret   string
	AdminHeader string
	AdminToken  string

	TurnstileSecret string

	ArchiveBackend string // "memory" or "database"

	TurnIntervalMs      int
	MatchmakerURL       string
	MaxSessionDuration  time.Duration
	DisconnectThreshold time.Duration
	EvictionThreshold   time.Duration
}

// GetEnv returns an environment variable value or a fallback
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// GetEnvInt returns an integer environment variable or a fallback
func GetEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// Load reads the worker configuration from the environment.
func Load() Config {
	return Config{
		Env:        GetEnv("ENV", "development"),
		WorkerID:   GetEnvInt("WORKER_ID", 0),
		NumWorkers: GetEnvInt("NUM_WORKERS", 1),
		Port:       GetEnv("SERVER_PORT", "8080"),

		JWTSecret:   GetEnv("JWT_SECRET", "secret"),
		AdminHeader: GetEnv("ADMIN_HEADER", "X-Admin-Token"),
		AdminToken:  GetEnv("ADMIN_TOKEN", ""),

		TurnstileSecret: GetEnv("TURNSTILE_SECRET", ""),

		ArchiveBackend: GetEnv("ARCHIVE_BACKEND", "memory"),

		TurnIntervalMs:      GetEnvInt("TURN_INTERVAL_MS", 100),
		MatchmakerURL:       GetEnv("MATCHMAKER_URL", ""),
		MaxSessionDuration:  time.Duration(GetEnvInt("MAX_SESSION_MINUTES", 180)) * time.Minute,
		DisconnectThreshold: 30 * time.Second,
		EvictionThreshold:   60 * time.Second,
	}
}

// IsProduction reports whether the server runs in production mode.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabasePath string

	// RedisAddr switches the idempotency store to Redis when set.
	RedisAddr     string
	RedisPassword string

	TokenTTL     time.Duration
	StreamSecret string

	WorkerPoolSize int
	PollInterval   time.Duration

	AuthRateRPS   int
	AuthRateBurst int

	TelemetryEnabled bool
	OTLPEndpoint     string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	// Empty means an in-process shared-cache SQLite database.
	dbPath := os.Getenv("DATABASE_PATH")

	secret := os.Getenv("STREAM_SECRET")
	if secret == "" {
		secret = "callgate-dev-stream-secret"
	}

	otlp := os.Getenv("OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabasePath:     dbPath,
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		TokenTTL:         envDuration("TOKEN_TTL_SECONDS", time.Hour),
		StreamSecret:     secret,
		WorkerPoolSize:   envInt("WORKER_POOL_SIZE", 4),
		PollInterval:     envDuration("POLL_INTERVAL_SECONDS", time.Second),
		AuthRateRPS:      envInt("AUTH_RATE_RPS", 5),
		AuthRateBurst:    envInt("AUTH_RATE_BURST", 10),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		OTLPEndpoint:     otlp,
	}
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

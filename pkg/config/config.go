// Package config loads server configuration from environment variables and
// the optional YAML limits profile.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects PostgreSQL when set; otherwise SQLitePath is used.
	DatabaseURL string
	SQLitePath  string

	// RedisAddr selects shared circuit/rate-limit state when set; otherwise
	// in-memory stores are used (single instance only).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SwapProviderURL   string
	SwapAPIKey        string
	SwapWebhookSecret string
	PayoutProviderURL string
	PayoutAPIKey      string
	NotifierURL       string

	JWTSecret string

	OTLPEndpoint     string
	TelemetryEnabled bool

	ProviderTimeout   time.Duration
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	ReconcileAge      time.Duration
	SwapTTL           time.Duration

	LimitsProfilePath string
}

// Load loads configuration from environment variables with local defaults.
func Load() *Config {
	return &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  envOr("SQLITE_PATH", "bitpesa.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		SwapProviderURL:   envOr("SWAP_PROVIDER_URL", "http://localhost:9091"),
		SwapAPIKey:        os.Getenv("SWAP_API_KEY"),
		SwapWebhookSecret: os.Getenv("SWAP_WEBHOOK_SECRET"),
		PayoutProviderURL: envOr("PAYOUT_PROVIDER_URL", "http://localhost:9092"),
		PayoutAPIKey:      os.Getenv("PAYOUT_API_KEY"),
		NotifierURL:       os.Getenv("NOTIFIER_URL"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",

		ProviderTimeout:   envDuration("PROVIDER_TIMEOUT", 15*time.Second),
		SweepInterval:     envDuration("SWEEP_INTERVAL", time.Minute),
		ReconcileInterval: envDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileAge:      envDuration("RECONCILE_AGE", 10*time.Minute),
		SwapTTL:           envDuration("SWAP_TTL", 30*time.Minute),

		LimitsProfilePath: envOr("LIMITS_PROFILE", "limits.yaml"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

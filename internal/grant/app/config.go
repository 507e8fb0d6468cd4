package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Issuer               string        // Optional: issuer claim for tokens (default: grantstore)
	SigningKeyFile       string        // Optional: PKCS8 PEM Ed25519 key; empty generates an ephemeral key
	DatabaseFile         string        // Optional: path to SQLite database file (default: ./grantstore.db)
	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	AccessTokenTTL       time.Duration // Lifetime of access tokens minted on refresh; 0 never expires (default: 1h)
	RefreshPolicy        string        // rotate or reuse (default: rotate)
	MetricsPort          int           // Operations listener port, 0 disables it (default: 9090)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
	ContextGracePeriod   time.Duration // Minimum age before an unreferenced context is swept (default: 5m)
	SweepDeleteRate      float64       // Rows per second the sweep may delete, 0 unlimited (default: 0)
}

func LoadConfig() Config {
	return Config{
		Issuer:               getEnvOrDefault("GRANTSTORE_ISSUER", "grantstore"),
		SigningKeyFile:       os.Getenv("GRANTSTORE_SIGNING_KEY_FILE"),
		DatabaseFile:         getEnvOrDefault("GRANTSTORE_DATABASE_FILE", "grantstore.db"),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		AccessTokenTTL:       getEnvDurationOrDefault("ACCESS_TOKEN_TTL", 1*time.Hour),
		RefreshPolicy:        getEnvOrDefault("GRANTSTORE_REFRESH_POLICY", "rotate"),
		MetricsPort:          getEnvIntOrDefault("METRICS_PORT", 9090),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
		ContextGracePeriod:   getEnvDurationOrDefault("CONTEXT_GRACE_PERIOD", 5*time.Minute),
		SweepDeleteRate:      getEnvFloatOrDefault("HOUSEKEEPING_DELETE_RATE", 0),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 {
		return f
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer minutes
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}

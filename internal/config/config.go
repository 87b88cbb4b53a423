// Package config loads process settings from the environment and engine settings from YAML.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration values.
type Config struct {
	// Admin API
	ServerAddr string

	// SurrealDB connection. An empty URL disables persistence.
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Engine tuning file; empty means built-in defaults.
	EngineConfigFile string

	// Executor
	Concurrency       int
	Simulate          bool
	SimulatedLatency  time.Duration
	SimulatedFailRate float64

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables, after loading an optional .env file.
// Variables already set in the environment win over the file.
func Load() Config {
	if err := godotenv.Load(getEnv("REPORTQ_ENV_FILE", ".env")); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load env file", "error", err)
	}

	return Config{
		ServerAddr: getEnv("REPORTQ_ADDR", ":8080"),

		SurrealDBURL:       getEnv("REPORTQ_SURREALDB_URL", ""),
		SurrealDBNamespace: getEnv("REPORTQ_SURREALDB_NAMESPACE", "reportq"),
		SurrealDBDatabase:  getEnv("REPORTQ_SURREALDB_DATABASE", "reports"),
		SurrealDBUser:      getEnv("REPORTQ_SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("REPORTQ_SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("REPORTQ_SURREALDB_AUTH_LEVEL", "root"),

		EngineConfigFile: getEnv("REPORTQ_ENGINE_CONFIG", ""),

		Concurrency:       getEnvInt("REPORTQ_CONCURRENCY", 4),
		Simulate:          getEnv("REPORTQ_SIMULATE", "true") == "true",
		SimulatedLatency:  getEnvDuration("REPORTQ_SIMULATED_LATENCY", 2*time.Second),
		SimulatedFailRate: getEnvFloat("REPORTQ_SIMULATED_FAIL_RATE", 0),

		LogFile:  getEnv("REPORTQ_LOG_FILE", "/tmp/reportq.log"),
		LogLevel: parseLogLevel(getEnv("REPORTQ_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	f, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// workerID derives a stable-ish consumer name from hostname and PID.
func workerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "verifier"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Stores
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Oracle (external validation engine)
	OracleBaseURL    string
	OracleAPIKey     string
	OracleFastPath   string
	OracleStablePath string
	OracleTimeout    time.Duration

	// Execution engine
	EngineWorkers     int
	ProgressFlushMS   int
	FreshnessWindow   time.Duration
	VerdictCacheTTL   time.Duration
	ResultSheetName   string
	MaxUploadSizeMB   int

	// Worker (Redis Stream consumer)
	WorkerID         string
	ConsumerBatch    int
	ConsumerBlockMS  int

	// Auth
	JWTSecret string

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "verifier"),
		RedisURL:    getEnv("REDIS_URL", ""),

		OracleBaseURL:    getEnv("ORACLE_BASE_URL", ""),
		OracleAPIKey:     getEnv("ORACLE_API_KEY", ""),
		OracleFastPath:   getEnv("ORACLE_FAST_PATH", "/v1/verify"),
		OracleStablePath: getEnv("ORACLE_STABLE_PATH", "/v1/verify/stable"),
		OracleTimeout:    time.Duration(getEnvInt("ORACLE_TIMEOUT_SEC", 30)) * time.Second,

		EngineWorkers:   getEnvInt("ENGINE_WORKERS", 8),
		ProgressFlushMS: getEnvInt("PROGRESS_FLUSH_MS", 350),
		FreshnessWindow: time.Duration(getEnvInt("VERDICT_FRESHNESS_HOURS", 48)) * time.Hour,
		VerdictCacheTTL: time.Duration(getEnvInt("VERDICT_CACHE_TTL_MIN", 10)) * time.Minute,
		ResultSheetName: getEnv("RESULT_SHEET_NAME", "Results"),
		MaxUploadSizeMB: getEnvInt("MAX_UPLOAD_SIZE_MB", 20),

		WorkerID:        getEnv("WORKER_ID", workerID()),
		ConsumerBatch:   getEnvInt("CONSUMER_BATCH_SIZE", 10),
		ConsumerBlockMS: getEnvInt("CONSUMER_BLOCK_MS", 5000),

		JWTSecret: getEnv("JWT_SECRET", ""),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

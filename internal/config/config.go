// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases
	Port     int
	LogLevel string
	DevMode  bool

	// Batch orchestration
	RunTimeout       time.Duration // Tracker self-expiry
	OuterConcurrency int           // Portfolios in parallel
	InnerConcurrency int           // Engines per portfolio in parallel
	BackfillEarliest time.Duration // Lookback when a portfolio has no history
	EngineTimeout    time.Duration // Per-engine soft cap
	Phase1Timeout    time.Duration // Per-date market data prep hard cap
	RunRetentionDays int           // Rolling window for batch run history
	SchedulerCron    string        // Daily trigger (UTC)

	// Market data provider
	ProviderBaseURL    string
	ProviderMaxRetries int
	ProviderBackoff    time.Duration // Exponential base
	ProviderRatePerSec float64
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic
	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		if _, err := os.Stat("./data"); err == nil {
			dataDir = "./data"
		} else {
			dataDir = "../data"
		}
	}

	cfg := &Config{
		DataDir:  dataDir,
		Port:     getEnvAsInt("GO_PORT", 8001),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		RunTimeout:       time.Duration(getEnvAsInt("BATCH_RUN_TIMEOUT_MINUTES", 30)) * time.Minute,
		OuterConcurrency: getEnvAsInt("BATCH_OUTER_CONCURRENCY", 4),
		InnerConcurrency: getEnvAsInt("BATCH_INNER_CONCURRENCY", 4),
		BackfillEarliest: time.Duration(getEnvAsInt("BATCH_BACKFILL_EARLIEST_DAYS", 365)) * 24 * time.Hour,
		EngineTimeout:    time.Duration(getEnvAsInt("ENGINE_TIMEOUT_MINUTES", 5)) * time.Minute,
		Phase1Timeout:    time.Duration(getEnvAsInt("PHASE1_TIMEOUT_MINUTES", 15)) * time.Minute,
		RunRetentionDays: getEnvAsInt("BATCH_RUNS_RETENTION_DAYS", 90),
		SchedulerCron:    getEnv("SCHEDULER_CRON", "0 0 21 * * 1-5"),

		ProviderBaseURL:    getEnv("PROVIDER_BASE_URL", "https://query1.finance.yahoo.com"),
		ProviderMaxRetries: getEnvAsInt("PROVIDER_MAX_RETRIES", 3),
		ProviderBackoff:    time.Duration(getEnvAsInt("PROVIDER_BACKOFF_BASE_MS", 1000)) * time.Millisecond,
		ProviderRatePerSec: getEnvAsFloat("PROVIDER_RATE_PER_SEC", 5.0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and sane
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.OuterConcurrency < 1 {
		return fmt.Errorf("BATCH_OUTER_CONCURRENCY must be at least 1, got %d", c.OuterConcurrency)
	}
	if c.InnerConcurrency < 1 {
		return fmt.Errorf("BATCH_INNER_CONCURRENCY must be at least 1, got %d", c.InnerConcurrency)
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("BATCH_RUN_TIMEOUT_MINUTES must be positive")
	}
	if c.ProviderMaxRetries < 0 {
		return fmt.Errorf("PROVIDER_MAX_RETRIES must not be negative")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

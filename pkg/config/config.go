package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process configuration.
type Config struct {
	LogLevel         string
	PolicyDir        string
	LedgerPath       string
	LedgerDriver     string // "file", "sqlite", "postgres"
	LedgerDSN        string
	RedisURL         string
	OTLPEndpoint     string
	MaxConcurrent    int
	PrimaryDeadline  time.Duration
	FallbackDeadline time.Duration
	MaxRetries       int
	BaseBackoff      time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	policyDir := os.Getenv("POLICY_DIR")
	if policyDir == "" {
		policyDir = "policies"
	}

	ledgerPath := os.Getenv("LEDGER_PATH")
	if ledgerPath == "" {
		ledgerPath = "data/ledger.jsonl"
	}

	ledgerDriver := os.Getenv("LEDGER_DRIVER")
	if ledgerDriver == "" {
		ledgerDriver = "file"
	}

	return &Config{
		LogLevel:         logLevel,
		PolicyDir:        policyDir,
		LedgerPath:       ledgerPath,
		LedgerDriver:     ledgerDriver,
		LedgerDSN:        os.Getenv("LEDGER_DSN"),
		RedisURL:         os.Getenv("REDIS_URL"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		MaxConcurrent:    envInt("MAX_CONCURRENT", 8),
		PrimaryDeadline:  envDuration("PRIMARY_DEADLINE", 30*time.Second),
		FallbackDeadline: envDuration("FALLBACK_DEADLINE", 30*time.Second),
		MaxRetries:       envInt("MAX_RETRIES", 2),
		BaseBackoff:      envDuration("BASE_BACKOFF", 200*time.Millisecond),
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

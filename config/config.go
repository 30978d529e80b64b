package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache / queue
	RedisAddr string

	// Usage event stream
	UsageStream       string // default: "stream:usage:events"
	UsageGroup        string // default: "cg-usage-aggregator"
	UsageStreamMaxLen int64  // default: 100000

	// Agent runtime
	AgentRuntimeURL string // empty means the built-in echo runtime (local dev)
	AgentRuntimeKey string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	Env                  string // "prod" or "dev", controls log output

	// Rate limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Token pricing, USD per 1K tokens
	InputCostPer1K  decimal.Decimal // default: 0.003
	OutputCostPer1K decimal.Decimal // default: 0.015

	// Admission policy when the account store is unreachable.
	// Default is fail-closed (deny) to protect spend.
	AdmissionFailOpen bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		UsageStream:          getEnv("USAGE_STREAM", "stream:usage:events"),
		UsageGroup:           getEnv("USAGE_GROUP", "cg-usage-aggregator"),
		AgentRuntimeURL:      os.Getenv("AGENT_RUNTIME_URL"),
		AgentRuntimeKey:      os.Getenv("AGENT_RUNTIME_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		Env:                  getEnv("APP_ENV", "dev"),
		AdmissionFailOpen:    getEnv("ADMISSION_FAIL_OPEN", "false") == "true",
	}

	tpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	maxLen, err := strconv.ParseInt(getEnv("USAGE_STREAM_MAXLEN", "100000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid USAGE_STREAM_MAXLEN: %w", err)
	}
	cfg.UsageStreamMaxLen = maxLen

	cfg.InputCostPer1K, err = decimal.NewFromString(getEnv("INPUT_COST_PER_1K", "0.003"))
	if err != nil {
		return nil, fmt.Errorf("invalid INPUT_COST_PER_1K: %w", err)
	}
	cfg.OutputCostPer1K, err = decimal.NewFromString(getEnv("OUTPUT_COST_PER_1K", "0.015"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTPUT_COST_PER_1K: %w", err)
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

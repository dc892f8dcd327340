package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Server
	Host string // default: 0.0.0.0
	Port string // default: 3100

	// Persistence. DatabaseURL selects the Postgres backend; when empty the
	// embedded SQLite store at SQLitePath is used instead.
	DatabaseURL string
	SQLitePath  string

	// Optional verified-token cache.
	RedisAddr string

	// Providers
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	OpenAIBaseURL    string
	AnthropicBaseURL string
	UpstreamRPS      int

	// Admin
	AdminToken string

	// Global admission rate limit, per key prefix or source IP.
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Quota defaults applied to newly created users.
	DefaultDailyRequests   int64
	DefaultDailyTokens     int64
	DefaultMonthlySpendCap *decimal.Decimal // nil = unlimited
	DefaultMaxConcurrent   int

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string

	// Logging
	LogLevel   string
	LogPrompts bool

	// Lifecycle
	ShutdownTimeout time.Duration
	RunSeed         bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Host:                 getEnv("HOST", "0.0.0.0"),
		Port:                 getEnv("PORT", "3100"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SQLitePath:           getEnv("SQLITE_PATH", "llm-broker.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicBaseURL:     getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogPrompts:           getEnv("LOG_PROMPTS", "false") == "true",
		RunSeed:              os.Getenv("RUN_SEED") == "true",
	}

	var err error
	if cfg.UpstreamRPS, err = getEnvInt("UPSTREAM_RPS", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = getEnvInt("RATE_LIMIT_MAX", 60); err != nil {
		return nil, err
	}
	windowMs, err := getEnvInt("RATE_LIMIT_WINDOW_MS", 60_000)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(windowMs) * time.Millisecond

	if cfg.DefaultDailyRequests, err = getEnvInt64("DEFAULT_DAILY_REQUESTS", 1000); err != nil {
		return nil, err
	}
	if cfg.DefaultDailyTokens, err = getEnvInt64("DEFAULT_DAILY_TOKENS", 100_000); err != nil {
		return nil, err
	}
	if cfg.DefaultMaxConcurrent, err = getEnvInt("DEFAULT_MAX_CONCURRENT_REQUESTS", 5); err != nil {
		return nil, err
	}

	capStr := getEnv("DEFAULT_MONTHLY_SPEND_CAP_USD", "50")
	if !strings.EqualFold(capStr, "none") {
		capVal, err := decimal.NewFromString(capStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_MONTHLY_SPEND_CAP_USD: %w", err)
		}
		cfg.DefaultMonthlySpendCap = &capVal
	}

	shutdownMs, err := getEnvInt("SHUTDOWN_TIMEOUT_MS", 15_000)
	if err != nil {
		return nil, err
	}
	cfg.ShutdownTimeout = time.Duration(shutdownMs) * time.Millisecond

	// Validation
	if cfg.AdminToken == "" {
		return nil, fmt.Errorf("ADMIN_TOKEN is required")
	}
	if len(cfg.AdminToken) < 16 {
		return nil, fmt.Errorf("ADMIN_TOKEN must be at least 16 characters")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL %q", cfg.LogLevel)
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("rate limit settings must be positive")
	}

	return cfg, nil
}

// HasProvider reports whether credentials for at least one upstream are set.
func (c *Config) HasProvider() bool {
	return c.OpenAIAPIKey != "" || c.AnthropicAPIKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, err := getEnvInt64(key, int64(fallback))
	return int(v), err
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger backends.
const (
	BackendPostgres = "postgres"
	BackendSupabase = "supabase"
	BackendMemory   = "memory"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Replay cache
	ReplayCacheTTL time.Duration
	RedisURL       string // empty keeps the cache in process

	// Observability
	OTLPEndpoint string

	// Ledger
	StoreBackend  string
	DatabaseURL   string
	RunMigrations bool

	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	SupabaseJWTSecret  string

	// OpenPix
	OpenPixAPIURL        string
	OpenPixAppID         string
	OpenPixWebhookSecret string

	// Settlement switches
	WebhookRequireSignature bool
	RecurringCreditInCents  bool
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		ReplayCacheTTL: getEnvDuration("REPLAY_CACHE_TTL", 10*time.Minute),
		RedisURL:       getEnv("REDIS_URL", ""),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", "")),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RunMigrations: getEnvBool("RUN_MIGRATIONS", true),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseJWTSecret:  getEnv("SUPABASE_JWT_SECRET", ""),

		OpenPixAPIURL:        getEnv("OPENPIX_API_URL", "https://api.openpix.com.br"),
		OpenPixAppID:         getEnv("OPENPIX_APP_ID", ""),
		OpenPixWebhookSecret: getEnv("OPENPIX_WEBHOOK_SECRET", ""),

		WebhookRequireSignature: getEnvBool("WEBHOOK_REQUIRE_SIGNATURE", false),
		RecurringCreditInCents:  getEnvBool("RECURRING_CREDIT_IN_CENTS", false),
	}

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultBackend(cfg)
	}
	return cfg
}

// defaultBackend picks postgres when a DSN is set, then supabase, then memory.
func defaultBackend(cfg *Config) string {
	switch {
	case cfg.DatabaseURL != "":
		return BackendPostgres
	case cfg.SupabaseURL != "":
		return BackendSupabase
	default:
		return BackendMemory
	}
}

// Validate reports settings that would keep the selected backend from working.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
		}
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("STORE_BACKEND=supabase requires SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

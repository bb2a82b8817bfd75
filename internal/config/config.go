// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. There is no module-level
// state: every adapter and store receives what it needs at construction.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database. Optional: in-memory storage is used when unset.
	DatabaseURL string

	// Payment processor webhook secrets
	LemonSqueezySigningSecret string
	PaddleWebhookSecret       string

	// Internal/admin authentication
	InternalAPIKey string // debit and refund endpoints
	AdminSecret    string // admin endpoints

	// Operational
	RateLimitRPM   int
	AllowedOrigins []string
	OTLPEndpoint   string

	// Retention for processed-event markers, in days. Pruning is storage
	// hygiene only; idempotency correctness does not depend on it.
	ProcessedEventRetentionDays int
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimitRPM  = 300
	DefaultRetentionDays = 90
)

// Load reads configuration from environment variables, loading a .env file
// first when present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                        getEnv("PORT", DefaultPort),
		Env:                         getEnv("ENV", DefaultEnv),
		LogLevel:                    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		LemonSqueezySigningSecret:   os.Getenv("LEMONSQUEEZY_SIGNING_SECRET"),
		PaddleWebhookSecret:         os.Getenv("PADDLE_WEBHOOK_SECRET"),
		InternalAPIKey:              os.Getenv("INTERNAL_API_KEY"),
		AdminSecret:                 os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:                getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		OTLPEndpoint:                os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProcessedEventRetentionDays: getEnvInt("PROCESSED_EVENT_RETENTION_DAYS", DefaultRetentionDays),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	} else {
		cfg.AllowedOrigins = []string{"*"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present. Webhook secrets
// and auth keys may be omitted in development only.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.LemonSqueezySigningSecret == "" {
			return fmt.Errorf("LEMONSQUEEZY_SIGNING_SECRET is required in production")
		}
		if c.PaddleWebhookSecret == "" {
			return fmt.Errorf("PADDLE_WEBHOOK_SECRET is required in production")
		}
		if c.InternalAPIKey == "" {
			return fmt.Errorf("INTERNAL_API_KEY is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	if c.ProcessedEventRetentionDays < 1 {
		return fmt.Errorf("PROCESSED_EVENT_RETENTION_DAYS must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	PaystackSecretKey string // Bearer token for the transfer API and HMAC key for webhooks
	PaystackBaseURL   string
	GatewayTimeout    time.Duration

	// Commission policy defaults (overridden by persisted platform settings)
	CommissionRate  string
	MinimumPayout   string
	AutoReleaseDays int

	// Background jobs. Zero disables the in-process loop.
	AutoReleaseSweepInterval time.Duration
	ReconcileInterval        time.Duration

	// Security
	AdminSecret  string
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultPaystackBaseURL = "https://api.paystack.co"
	DefaultGatewayTimeout  = 15 * time.Second
	DefaultCommissionRate  = "0.05"
	DefaultMinimumPayout   = "1000"
	DefaultAutoReleaseDays = 7
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		PaystackSecretKey:        os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:          getEnv("PAYSTACK_BASE_URL", DefaultPaystackBaseURL),
		GatewayTimeout:           getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		CommissionRate:           getEnv("COMMISSION_RATE", DefaultCommissionRate),
		MinimumPayout:            getEnv("MINIMUM_PAYOUT", DefaultMinimumPayout),
		AutoReleaseDays:          int(getEnvInt64("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays)),
		AutoReleaseSweepInterval: getEnvDuration("AUTO_RELEASE_SWEEP_INTERVAL", 0),
		ReconcileInterval:        getEnvDuration("RECONCILE_INTERVAL", 0),
		AdminSecret:              os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:             int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PaystackSecretKey == "" {
		return fmt.Errorf("PAYSTACK_SECRET_KEY is required")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	rate, err := decimal.NewFromString(c.CommissionRate)
	if err != nil || !money.ValidRate(rate) {
		return fmt.Errorf("COMMISSION_RATE must be a decimal fraction between 0 and 1")
	}

	if _, err := money.Parse(c.MinimumPayout); err != nil {
		return fmt.Errorf("MINIMUM_PAYOUT must be a non-negative amount")
	}

	if c.AutoReleaseDays < 1 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must be at least 1")
	}

	if c.IsProduction() {
		if err := security.ValidateOutboundURL(c.PaystackBaseURL, true); err != nil {
			return fmt.Errorf("PAYSTACK_BASE_URL: %w", err)
		}
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}

	return nil
}

// DefaultPolicy returns the commission policy used until an admin persists
// one. Call only on a validated config.
func (c *Config) DefaultPolicy() policy.Policy {
	rate, _ := decimal.NewFromString(c.CommissionRate)
	minimum, _ := money.Parse(c.MinimumPayout)
	return policy.Policy{
		CommissionRate:  rate,
		MinimumPayout:   minimum,
		AutoReleaseDays: c.AutoReleaseDays,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PAYSTACK_SECRET_KEY", "sk_test_abc")
	setEnv(t, "PORT", "9090")
	setEnv(t, "AUTO_RELEASE_SWEEP_INTERVAL", "10m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultPaystackBaseURL, cfg.PaystackBaseURL)
	assert.Equal(t, DefaultCommissionRate, cfg.CommissionRate)
	assert.Equal(t, DefaultAutoReleaseDays, cfg.AutoReleaseDays)
	assert.Equal(t, DefaultGatewayTimeout, cfg.GatewayTimeout)
	assert.Equal(t, 10*time.Minute, cfg.AutoReleaseSweepInterval)
}

func TestLoad_MissingSecretKey(t *testing.T) {
	setEnv(t, "PAYSTACK_SECRET_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PAYSTACK_SECRET_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:               "development",
			PaystackSecretKey: "sk_test_abc",
			CommissionRate:    "0.05",
			MinimumPayout:     "1000",
			AutoReleaseDays:   7,
			GatewayTimeout:    time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"fractional rate", func(c *Config) { c.CommissionRate = "0.075" }, ""},
		{"missing secret", func(c *Config) { c.PaystackSecretKey = "" }, "PAYSTACK_SECRET_KEY is required"},
		{"production without admin secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET is required"},
		{"rate above one", func(c *Config) { c.CommissionRate = "1.5" }, "COMMISSION_RATE"},
		{"rate not a number", func(c *Config) { c.CommissionRate = "five" }, "COMMISSION_RATE"},
		{"negative minimum payout", func(c *Config) { c.MinimumPayout = "-1" }, "MINIMUM_PAYOUT"},
		{"zero release days", func(c *Config) { c.AutoReleaseDays = 0 }, "AUTO_RELEASE_DAYS"},
		{"production plain http gateway", func(c *Config) {
			c.Env, c.AdminSecret, c.PaystackBaseURL = "production", "s3cret", "http://api.paystack.co"
		}, "PAYSTACK_BASE_URL"},
		{"production https gateway", func(c *Config) {
			c.Env, c.AdminSecret, c.PaystackBaseURL = "production", "s3cret", "https://api.paystack.co"
		}, ""},
		{"development loopback gateway", func(c *Config) { c.PaystackBaseURL = "http://127.0.0.1:9000" }, ""},
		{"zero timeout", func(c *Config) { c.GatewayTimeout = 0 }, "GATEWAY_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_DefaultPolicy(t *testing.T) {
	cfg := &Config{CommissionRate: "0.075", MinimumPayout: "2500", AutoReleaseDays: 5}
	p := cfg.DefaultPolicy()
	assert.Equal(t, "0.075", p.CommissionRate.String())
	assert.True(t, p.MinimumPayout.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, 5, p.AutoReleaseDays)
	assert.NoError(t, p.Validate())
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DURATION", "90s")
	setEnv(t, "TEST_BAD_DURATION", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", 0))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DURATION", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
}

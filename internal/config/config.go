// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/checkoutguard/internal/captcha"
)

// Config holds all application configuration. It is built once at startup
// and passed explicitly to the components that need it.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Geolocation provider. Empty key switches enrichment to the offline rule table.
	GeolocationAPIKey string
	GeolocationAPIURL string

	// CAPTCHA providers. Secrets never come from the client.
	RecaptchaSecretKey           string
	RecaptchaSiteKey             string
	RecaptchaEnterpriseProjectID string
	RecaptchaEnterpriseAPIKey    string
	CaptchaDefaultType           string

	// Resilience
	ProviderTimeout time.Duration

	// Geolocation cache bounds
	GeoCacheTTL        time.Duration
	GeoCacheMaxEntries int

	// Client IP resolution
	TrustForwardedFor bool

	// Security
	RateLimitRPM       int
	CORSAllowedOrigins []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultGeolocationAPIURL  = "https://api.ipgeolocation.io"
	DefaultCaptchaType        = "recaptcha_v2"
	DefaultProviderTimeout    = 3 * time.Second
	DefaultGeoCacheTTL        = 24 * time.Hour
	DefaultGeoCacheMaxEntries = 10000
	DefaultRateLimitRPM       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                         getEnv("PORT", DefaultPort),
		Env:                          getEnv("ENV", DefaultEnv),
		LogLevel:                     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:                  os.Getenv("DATABASE_URL"),
		GeolocationAPIKey:            os.Getenv("GEOLOCATION_API_KEY"),
		GeolocationAPIURL:            getEnv("GEOLOCATION_API_URL", DefaultGeolocationAPIURL),
		RecaptchaSecretKey:           os.Getenv("RECAPTCHA_SECRET_KEY"),
		RecaptchaSiteKey:             os.Getenv("RECAPTCHA_SITE_KEY"),
		RecaptchaEnterpriseProjectID: os.Getenv("RECAPTCHA_ENTERPRISE_PROJECT_ID"),
		RecaptchaEnterpriseAPIKey:    os.Getenv("RECAPTCHA_ENTERPRISE_API_KEY"),
		CaptchaDefaultType:           getEnv("CAPTCHA_DEFAULT_TYPE", DefaultCaptchaType),
		ProviderTimeout:              getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		GeoCacheTTL:                  getEnvDuration("GEO_CACHE_TTL", DefaultGeoCacheTTL),
		GeoCacheMaxEntries:           int(getEnvInt64("GEO_CACHE_MAX_ENTRIES", DefaultGeoCacheMaxEntries)),
		TrustForwardedFor:            getEnvBool("TRUST_FORWARDED_FOR", true),
		RateLimitRPM:                 int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSAllowedOrigins:           getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:                 os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if !captcha.IsKnownType(c.CaptchaDefaultType) {
		return fmt.Errorf("CAPTCHA_DEFAULT_TYPE %q is not supported", c.CaptchaDefaultType)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.GeoCacheMaxEntries <= 0 {
		return fmt.Errorf("GEO_CACHE_MAX_ENTRIES must be positive")
	}
	if c.GeoCacheTTL <= 0 {
		return fmt.Errorf("GEO_CACHE_TTL must be positive")
	}

	// Production must not silently run the offline rule table.
	if c.IsProduction() && c.GeolocationAPIKey == "" {
		return fmt.Errorf("GEOLOCATION_API_KEY is required in production")
	}
	if c.IsProduction() && c.CaptchaDefaultType == "mock" {
		return fmt.Errorf("CAPTCHA_DEFAULT_TYPE mock is not allowed in production")
	}

	return nil
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
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

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/verigate/internal/risk"
	"github.com/mbd888/verigate/internal/verification"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage. Both are optional; in-memory stores are used when unset.
	DatabaseURL string
	RedisURL    string

	// Tracing is a no-op when the endpoint is empty.
	OTLPEndpoint string

	// Sessions
	TokenSecret     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	ServiceAPIKey   string

	// Alert delivery
	AlertWebhookURL    string
	AlertWebhookSecret string

	RateLimitEnabled bool

	Verification verification.Config

	CleanupInterval time.Duration
	Retention       time.Duration
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultAccessTokenTTL  = 30 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	DefaultCleanupInterval = 24 * time.Hour
	DefaultRetention       = 30 * 24 * time.Hour

	minTokenSecretLen = 32
	verificationPfx   = "CONTINUOUS_VERIFICATION_"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads the environment without validating. Malformed numbers,
// booleans, and durations are reported instead of silently defaulted.
func FromEnv() (*Config, error) {
	p := &parser{}
	defaults := verification.DefaultConfig()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TokenSecret:        os.Getenv("TOKEN_SECRET"),
		AccessTokenTTL:     p.duration("ACCESS_TOKEN_TTL", DefaultAccessTokenTTL),
		RefreshTokenTTL:    p.duration("REFRESH_TOKEN_TTL", DefaultRefreshTokenTTL),
		ServiceAPIKey:      os.Getenv("SERVICE_API_KEY"),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		RateLimitEnabled:   p.bool("RATE_LIMIT_ENABLED", true),
		CleanupInterval:    p.duration(verificationPfx+"CLEANUP_INTERVAL", DefaultCleanupInterval),
		Retention:          p.duration(verificationPfx+"RETENTION", DefaultRetention),
		Verification: verification.Config{
			Enabled:              p.bool(verificationPfx+"ENABLED", defaults.Enabled),
			Mode:                 verification.Mode(strings.ToLower(getEnv(verificationPfx+"MODE", string(defaults.Mode)))),
			MonitoringOnly:       p.bool(verificationPfx+"MONITORING_ONLY", defaults.MonitoringOnly),
			ThreatDetection:      p.bool(verificationPfx+"THREAT_DETECTION_ENABLED", defaults.ThreatDetection),
			BehaviorLearning:     p.bool(verificationPfx+"BEHAVIOR_LEARNING_ENABLED", defaults.BehaviorLearning),
			LocationMonitoring:   p.bool(verificationPfx+"LOCATION_MONITORING_ENABLED", defaults.LocationMonitoring),
			TimeAnomalyDetection: p.bool(verificationPfx+"TIME_ANOMALY_DETECTION_ENABLED", defaults.TimeAnomalyDetection),
			Thresholds: risk.Thresholds{
				Low:     p.int(verificationPfx+"LOW_RISK_THRESHOLD", defaults.Thresholds.Low),
				Medium:  p.int(verificationPfx+"MEDIUM_RISK_THRESHOLD", defaults.Thresholds.Medium),
				High:    p.int(verificationPfx+"HIGH_RISK_THRESHOLD", defaults.Thresholds.High),
				Extreme: p.int(verificationPfx+"EXTREME_RISK_THRESHOLD", defaults.Thresholds.Extreme),
			},
			CacheTTL:          p.duration(verificationPfx+"CACHE_TTL", defaults.CacheTTL),
			MaxSessionAge:     p.duration(verificationPfx+"MAX_SESSION_AGE", defaults.MaxSessionAge),
			EvaluationTimeout: p.duration(verificationPfx+"EVALUATION_TIMEOUT", defaults.EvaluationTimeout),
			DefaultTimezone:   getEnv(verificationPfx+"DEFAULT_TIMEZONE", defaults.DefaultTimezone),
		},
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var errs []error
	if len(c.TokenSecret) < minTokenSecretLen {
		errs = append(errs, fmt.Errorf("TOKEN_SECRET must be at least %d bytes", minTokenSecretLen))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.ServiceAPIKey == "" && !c.IsDevelopment() {
		errs = append(errs, errors.New("SERVICE_API_KEY is required outside development"))
	}
	if c.CleanupInterval <= 0 || c.Retention <= 0 {
		errs = append(errs, errors.New("cleanup interval and retention must be positive"))
	}
	if err := c.Verification.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("continuous verification: %w", err))
	}
	return errors.Join(errs...)
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

// parser collects malformed values so Load reports all of them.
type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return def
	}
	return i
}

func (p *parser) bool(key string, def bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, value))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return def
	}
	return d
}

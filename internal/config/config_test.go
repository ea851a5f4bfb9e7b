package config

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/verigate/internal/risk"
	"github.com/mbd888/verigate/internal/verification"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() Config {
	return Config{
		Env:             DefaultEnv,
		TokenSecret:     testSecret,
		AccessTokenTTL:  DefaultAccessTokenTTL,
		RefreshTokenTTL: DefaultRefreshTokenTTL,
		CleanupInterval: DefaultCleanupInterval,
		Retention:       DefaultRetention,
		Verification:    verification.DefaultConfig(),
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET", testSecret)
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Equal(t, DefaultAccessTokenTTL, cfg.AccessTokenTTL)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, verification.DefaultConfig(), cfg.Verification)
	assert.Equal(t, DefaultRetention, cfg.Retention)
}

func TestLoad_VerificationOverrides(t *testing.T) {
	t.Setenv("TOKEN_SECRET", testSecret)
	t.Setenv("CONTINUOUS_VERIFICATION_MODE", "SYNC")
	t.Setenv("CONTINUOUS_VERIFICATION_MONITORING_ONLY", "true")
	t.Setenv("CONTINUOUS_VERIFICATION_THREAT_DETECTION_ENABLED", "false")
	t.Setenv("CONTINUOUS_VERIFICATION_LOW_RISK_THRESHOLD", "20")
	t.Setenv("CONTINUOUS_VERIFICATION_EXTREME_RISK_THRESHOLD", "95")
	t.Setenv("CONTINUOUS_VERIFICATION_EVALUATION_TIMEOUT", "500ms")
	t.Setenv("CONTINUOUS_VERIFICATION_DEFAULT_TIMEZONE", "UTC")
	t.Setenv("CONTINUOUS_VERIFICATION_RETENTION", "168h")

	cfg, err := Load()
	require.NoError(t, err)

	v := cfg.Verification
	assert.Equal(t, verification.ModeSync, v.Mode)
	assert.True(t, v.MonitoringOnly)
	assert.False(t, v.ThreatDetection)
	assert.Equal(t, risk.Thresholds{Low: 20, Medium: 60, High: 80, Extreme: 95}, v.Thresholds)
	assert.Equal(t, 500*time.Millisecond, v.EvaluationTimeout)
	assert.Equal(t, "UTC", v.DefaultTimezone)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
}

func TestLoad_MalformedValues(t *testing.T) {
	t.Setenv("TOKEN_SECRET", testSecret)
	t.Setenv("CONTINUOUS_VERIFICATION_ENABLED", "maybe")
	t.Setenv("CONTINUOUS_VERIFICATION_HIGH_RISK_THRESHOLD", "high")
	t.Setenv("ACCESS_TOKEN_TTL", "30")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTINUOUS_VERIFICATION_ENABLED")
	assert.Contains(t, err.Error(), "CONTINUOUS_VERIFICATION_HIGH_RISK_THRESHOLD")
	assert.Contains(t, err.Error(), "ACCESS_TOKEN_TTL")
}

func TestLoad_MissingTokenSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.TokenSecret = "short" }, "TOKEN_SECRET"},
		{"production without service key", func(c *Config) { c.Env = "production" }, "SERVICE_API_KEY"},
		{"production with service key", func(c *Config) { c.Env = "production"; c.ServiceAPIKey = "k" }, ""},
		{"zero retention", func(c *Config) { c.Retention = 0 }, "retention"},
		{"unordered thresholds", func(c *Config) { c.Verification.Thresholds.Medium = 10 }, "strictly ascending"},
		{"bad mode", func(c *Config) { c.Verification.Mode = "eventual" }, "mode"},
		{"bad timezone", func(c *Config) { c.Verification.DefaultTimezone = "Mars/Olympus" }, "default timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

package verification

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/verigate/internal/risk"
)

// Mode selects whether evaluation runs inline or after the response.
type Mode string

const (
	ModeAsync Mode = "async"
	ModeSync  Mode = "sync"
)

// Config controls the continuous verification pipeline.
type Config struct {
	Enabled bool `json:"enabled"`
	Mode    Mode `json:"mode"`

	// MonitoringOnly records scores and threats but never mitigates.
	MonitoringOnly bool `json:"monitoring_only"`

	ThreatDetection      bool `json:"threat_detection_enabled"`
	BehaviorLearning     bool `json:"behavior_learning_enabled"`
	LocationMonitoring   bool `json:"location_monitoring_enabled"`
	TimeAnomalyDetection bool `json:"time_anomaly_detection_enabled"`

	Thresholds risk.Thresholds `json:"thresholds"`

	CacheTTL          time.Duration `json:"cache_ttl"`
	MaxSessionAge     time.Duration `json:"max_session_age"`
	EvaluationTimeout time.Duration `json:"evaluation_timeout"`
	DefaultTimezone   string        `json:"default_timezone"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Mode:                 ModeAsync,
		ThreatDetection:      true,
		BehaviorLearning:     true,
		LocationMonitoring:   true,
		TimeAnomalyDetection: true,
		Thresholds:           risk.DefaultThresholds(),
		CacheTTL:             5 * time.Minute,
		MaxSessionAge:        30 * 24 * time.Hour,
		EvaluationTimeout:    3 * time.Second,
		DefaultTimezone:      "Asia/Tokyo",
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Mode != ModeAsync && c.Mode != ModeSync {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeAsync, ModeSync, c.Mode))
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache TTL must be positive"))
	}
	if c.MaxSessionAge <= 0 {
		errs = append(errs, errors.New("max session age must be positive"))
	}
	if c.EvaluationTimeout <= 0 {
		errs = append(errs, errors.New("evaluation timeout must be positive"))
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("default timezone: %w", err))
	}
	return errors.Join(errs...)
}

// RiskConfig derives the engine configuration.
func (c Config) RiskConfig() risk.Config {
	return risk.Config{
		Thresholds:      c.Thresholds,
		LocationEnabled: c.LocationMonitoring,
		TimeEnabled:     c.TimeAnomalyDetection,
	}
}

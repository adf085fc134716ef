// Package config loads the daemon's single typed configuration record from
// YAML, strictly (unknown keys are rejected), and watches it for changes
// so an operator can edit the hot-reloadable fields without a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestration core's single configuration record. Field
// names map to snake_case YAML keys exactly as named in the component
// design; every field has a sensible default via Default().
type Config struct {
	DataDir        string `yaml:"data_dir"`
	MetricsPort    int    `yaml:"metrics_port"`
	LogLevel       string `yaml:"log_level"`
	LogJSON        bool   `yaml:"log_json"`
	AlertLogPath   string `yaml:"alert_log_path"`

	NumWorkers               int     `yaml:"num_workers"`
	HeartbeatIntervalSeconds int     `yaml:"heartbeat_interval_seconds"`
	HealthCheckIntervalSeconds int   `yaml:"health_check_interval_seconds"`
	MaxAttempts              int     `yaml:"max_attempts"`
	MaxOutputSizeBytes       int64   `yaml:"max_output_size_bytes"`
	MinDiskSpaceGB           float64 `yaml:"min_disk_space_gb"`
	RetentionGracePeriodSeconds int  `yaml:"retention_grace_period_seconds"`

	SessionLimitSeconds        int     `yaml:"session_limit_seconds"`
	DefaultUnbanWaitSeconds    int     `yaml:"default_unban_wait_seconds"`
	RateLimitBackoffMultiplier float64 `yaml:"rate_limit_backoff_multiplier"`

	OutputTailLines      int `yaml:"output_tail_lines"`
	ProbeTimeoutSeconds  int `yaml:"probe_timeout_seconds"`

	SensitivePatterns   []string          `yaml:"sensitive_patterns"`
	RateLimitSignatures []string          `yaml:"rate_limit_signatures"`
	ClassToolAllowlist  map[string][]string `yaml:"class_tool_allowlist"`
	ClassConcurrency    map[string]int      `yaml:"class_concurrency"`
}

// Default returns the documented defaults from the component design.
func Default() Config {
	return Config{
		DataDir:                    "./data",
		MetricsPort:                8000,
		LogLevel:                   "info",
		LogJSON:                    true,
		AlertLogPath:               "logs/alerts.jsonl",
		NumWorkers:                 2,
		HeartbeatIntervalSeconds:   30,
		HealthCheckIntervalSeconds: 60,
		MaxAttempts:                5,
		MaxOutputSizeBytes:         50 * 1024 * 1024,
		MinDiskSpaceGB:             5,
		RetentionGracePeriodSeconds: 86400,
		SessionLimitSeconds:        18000,
		DefaultUnbanWaitSeconds:    3600,
		RateLimitBackoffMultiplier: 1.5,
		OutputTailLines:            500,
		ProbeTimeoutSeconds:        30,
		ClassToolAllowlist: map[string][]string{
			"light":  {"read", "grep"},
			"medium": {"read", "grep", "write", "edit"},
			"heavy":  {"read", "grep", "write", "edit", "exec"},
		},
		ClassConcurrency: map[string]int{
			"light":  4,
			"medium": 2,
			"heavy":  1,
		},
	}
}

// Load reads path, starting from Default() and overlaying only the keys
// present in the file (so an operator's partial config doesn't zero out
// everything else), strictly rejecting unrecognized keys.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// HeartbeatInterval returns HeartbeatIntervalSeconds as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// HealthCheckInterval returns HealthCheckIntervalSeconds as a time.Duration.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// RetentionGracePeriod returns RetentionGracePeriodSeconds as a time.Duration.
func (c Config) RetentionGracePeriod() time.Duration {
	return time.Duration(c.RetentionGracePeriodSeconds) * time.Second
}

// MinDiskFreeBytes converts MinDiskSpaceGB to a byte count.
func (c Config) MinDiskFreeBytes() uint64 {
	return uint64(c.MinDiskSpaceGB * (1 << 30))
}

// ProbeTimeout returns ProbeTimeoutSeconds as a time.Duration.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// Package config loads and validates scheduler configuration via viper.
//
// Every policy knob the scheduler exposes lives here: bid timeouts,
// selection strategy, heartbeat and claim timeouts, fault windows, flow
// thresholds, fairness caps, and analyzer intervals. Defaults match the
// constants the components fall back to when constructed bare.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete capmesh scheduler configuration.
type Config struct {
	Bidding  BiddingConfig  `mapstructure:"bidding"`
	Registry RegistryConfig `mapstructure:"registry"`
	Faults   FaultsConfig   `mapstructure:"faults"`
	Flow     FlowConfig     `mapstructure:"flow"`
	Fairness FairnessConfig `mapstructure:"fairness"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BiddingConfig controls bid rounds and winner selection.
type BiddingConfig struct {
	// TimeoutMs is the hard deadline for collecting bids in one round.
	TimeoutMs int `mapstructure:"timeout_ms"`
	// SelectionStrategy picks the winner among received bids.
	// Options: "highest_score", "fastest", "most_confident", "least_loaded"
	SelectionStrategy string `mapstructure:"selection_strategy"`
	// HistoryLimit bounds the retained bid round history.
	HistoryLimit int `mapstructure:"history_limit"`
}

// RegistryConfig controls worker liveness and claim lifetimes.
type RegistryConfig struct {
	// HeartbeatTimeoutSeconds is how long a worker may go silent before
	// it is considered unhealthy.
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeat_timeout_seconds"`
	// ExecutionTimeoutSeconds is the default claim TTL: how long a
	// worker may hold a unit of work before the fault monitor reassigns it.
	ExecutionTimeoutSeconds int `mapstructure:"execution_timeout_seconds"`
}

// FaultsConfig controls the fault monitor scans.
type FaultsConfig struct {
	// ScanIntervalSeconds is the monitor cycle interval.
	ScanIntervalSeconds int `mapstructure:"scan_interval_seconds"`
	// FailureWindowSeconds is how long failure records stay relevant.
	FailureWindowSeconds int `mapstructure:"failure_window_seconds"`
	// RecoveryGraceSeconds is the relapse-free period a failed worker
	// must sustain before returning to service.
	RecoveryGraceSeconds int `mapstructure:"recovery_grace_seconds"`
}

// FlowConfig controls system-wide back-pressure.
type FlowConfig struct {
	// LoadThreshold is the utilization at or above which the system is
	// overloaded and new bid rounds are refused (0.0–1.0).
	LoadThreshold float64 `mapstructure:"load_threshold"`
	// RefreshIntervalMs is how often worker capacity info is refreshed.
	RefreshIntervalMs int `mapstructure:"refresh_interval_ms"`
}

// FairnessConfig controls per-correlation task admission.
type FairnessConfig struct {
	// MaxTasksPerCorrelation caps concurrent tasks per workflow.
	MaxTasksPerCorrelation int `mapstructure:"max_tasks_per_correlation"`
	// GlobalMaxTasks caps concurrent tasks across all workflows.
	GlobalMaxTasks int `mapstructure:"global_max_tasks"`
	// WindowSeconds is both the starvation age that earns a boost and
	// the fairness pass interval.
	WindowSeconds int `mapstructure:"window_seconds"`
	// QueueSize bounds the task runtime queue.
	QueueSize int `mapstructure:"queue_size"`
}

// AnalyzerConfig controls the advisory deadlock/bottleneck analyzer.
type AnalyzerConfig struct {
	// SnapshotIntervalSeconds is the registry snapshot refresh interval.
	SnapshotIntervalSeconds int `mapstructure:"snapshot_interval_seconds"`
	// ScanIntervalSeconds is the deadlock scan interval.
	ScanIntervalSeconds int `mapstructure:"scan_interval_seconds"`
	// StuckThresholdSeconds is the inactivity age past which a workflow
	// becomes a deadlock candidate.
	StuckThresholdSeconds int `mapstructure:"stuck_threshold_seconds"`
	// SlowThresholdSeconds is the rolling average execution duration
	// past which a capability is reported as a bottleneck.
	SlowThresholdSeconds int `mapstructure:"slow_threshold_seconds"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Enabled turns file logging on; when false logs go to stderr.
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir is the log directory; empty means the default config dir.
	Dir string `mapstructure:"dir"`
}

// BidTimeout returns the bid round deadline as a duration.
func (c *BiddingConfig) BidTimeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// HeartbeatTimeout returns the worker silence limit as a duration.
func (c *RegistryConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// ExecutionTimeout returns the default claim TTL as a duration.
func (c *RegistryConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}

// ScanInterval returns the monitor cycle interval as a duration.
func (c *FaultsConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// FailureWindow returns the failure record window as a duration.
func (c *FaultsConfig) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowSeconds) * time.Second
}

// RecoveryGrace returns the recovery grace period as a duration.
func (c *FaultsConfig) RecoveryGrace() time.Duration {
	return time.Duration(c.RecoveryGraceSeconds) * time.Second
}

// RefreshInterval returns the capacity refresh interval as a duration.
func (c *FlowConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// Window returns the fairness window as a duration.
func (c *FairnessConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// SnapshotInterval returns the snapshot refresh interval as a duration.
func (c *AnalyzerConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// ScanInterval returns the deadlock scan interval as a duration.
func (c *AnalyzerConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// StuckThreshold returns the deadlock inactivity threshold as a duration.
func (c *AnalyzerConfig) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdSeconds) * time.Second
}

// SlowThreshold returns the bottleneck threshold as a duration.
func (c *AnalyzerConfig) SlowThreshold() time.Duration {
	return time.Duration(c.SlowThresholdSeconds) * time.Second
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bidding: BiddingConfig{
			TimeoutMs:         5000,
			SelectionStrategy: "highest_score",
			HistoryLimit:      200,
		},
		Registry: RegistryConfig{
			HeartbeatTimeoutSeconds: 30,
			ExecutionTimeoutSeconds: 300,
		},
		Faults: FaultsConfig{
			ScanIntervalSeconds:  2,
			FailureWindowSeconds: 60,
			RecoveryGraceSeconds: 30,
		},
		Flow: FlowConfig{
			LoadThreshold:     0.8,
			RefreshIntervalMs: 2000,
		},
		Fairness: FairnessConfig{
			MaxTasksPerCorrelation: 20,
			GlobalMaxTasks:         100,
			WindowSeconds:          30,
			QueueSize:              256,
		},
		Analyzer: AnalyzerConfig{
			SnapshotIntervalSeconds: 5,
			ScanIntervalSeconds:     30,
			StuckThresholdSeconds:   300,
			SlowThresholdSeconds:    60,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
			Dir:     "",
		},
	}
}

// SetDefaults registers every default with viper so partial config files
// and environment overrides merge cleanly.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("bidding.timeout_ms", defaults.Bidding.TimeoutMs)
	viper.SetDefault("bidding.selection_strategy", defaults.Bidding.SelectionStrategy)
	viper.SetDefault("bidding.history_limit", defaults.Bidding.HistoryLimit)

	viper.SetDefault("registry.heartbeat_timeout_seconds", defaults.Registry.HeartbeatTimeoutSeconds)
	viper.SetDefault("registry.execution_timeout_seconds", defaults.Registry.ExecutionTimeoutSeconds)

	viper.SetDefault("faults.scan_interval_seconds", defaults.Faults.ScanIntervalSeconds)
	viper.SetDefault("faults.failure_window_seconds", defaults.Faults.FailureWindowSeconds)
	viper.SetDefault("faults.recovery_grace_seconds", defaults.Faults.RecoveryGraceSeconds)

	viper.SetDefault("flow.load_threshold", defaults.Flow.LoadThreshold)
	viper.SetDefault("flow.refresh_interval_ms", defaults.Flow.RefreshIntervalMs)

	viper.SetDefault("fairness.max_tasks_per_correlation", defaults.Fairness.MaxTasksPerCorrelation)
	viper.SetDefault("fairness.global_max_tasks", defaults.Fairness.GlobalMaxTasks)
	viper.SetDefault("fairness.window_seconds", defaults.Fairness.WindowSeconds)
	viper.SetDefault("fairness.queue_size", defaults.Fairness.QueueSize)

	viper.SetDefault("analyzer.snapshot_interval_seconds", defaults.Analyzer.SnapshotIntervalSeconds)
	viper.SetDefault("analyzer.scan_interval_seconds", defaults.Analyzer.ScanIntervalSeconds)
	viper.SetDefault("analyzer.stuck_threshold_seconds", defaults.Analyzer.StuckThresholdSeconds)
	viper.SetDefault("analyzer.slow_threshold_seconds", defaults.Analyzer.SlowThresholdSeconds)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if
// loading fails.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's capmesh config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "capmesh")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".capmesh"
	}
	return filepath.Join(home, ".config", "capmesh")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

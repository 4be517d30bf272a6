package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // The config field path (e.g., "bidding.timeout_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidSelectionStrategies returns the list of valid winner selection
// strategies.
func ValidSelectionStrategies() []string {
	return []string{"highest_score", "fastest", "most_confident", "least_loaded"}
}

// IsValidSelectionStrategy reports whether the given strategy is one of
// the supported winner selection policies.
func IsValidSelectionStrategy(s string) bool {
	for _, valid := range ValidSelectionStrategies() {
		if s == valid {
			return true
		}
	}
	return false
}

// ValidLogLevels returns the list of valid log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// IsValidLogLevel reports whether the given level is supported.
func IsValidLogLevel(level string) bool {
	for _, valid := range ValidLogLevels() {
		if level == valid {
			return true
		}
	}
	return false
}

// Validate checks the Config for invalid values and returns all
// validation errors found.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateBidding()...)
	errors = append(errors, c.validateRegistry()...)
	errors = append(errors, c.validateFaults()...)
	errors = append(errors, c.validateFlow()...)
	errors = append(errors, c.validateFairness()...)
	errors = append(errors, c.validateAnalyzer()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateBidding() []ValidationError {
	var errors []ValidationError

	if c.Bidding.TimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "bidding.timeout_ms",
			Value:   c.Bidding.TimeoutMs,
			Message: "must be positive",
		})
	}
	if !slices.Contains(ValidSelectionStrategies(), c.Bidding.SelectionStrategy) {
		errors = append(errors, ValidationError{
			Field:   "bidding.selection_strategy",
			Value:   c.Bidding.SelectionStrategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidSelectionStrategies(), ", ")),
		})
	}
	if c.Bidding.HistoryLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "bidding.history_limit",
			Value:   c.Bidding.HistoryLimit,
			Message: "must not be negative",
		})
	}

	return errors
}

func (c *Config) validateRegistry() []ValidationError {
	var errors []ValidationError

	if c.Registry.HeartbeatTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "registry.heartbeat_timeout_seconds",
			Value:   c.Registry.HeartbeatTimeoutSeconds,
			Message: "must be positive",
		})
	}
	if c.Registry.ExecutionTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "registry.execution_timeout_seconds",
			Value:   c.Registry.ExecutionTimeoutSeconds,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateFaults() []ValidationError {
	var errors []ValidationError

	if c.Faults.ScanIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "faults.scan_interval_seconds",
			Value:   c.Faults.ScanIntervalSeconds,
			Message: "must be positive",
		})
	}
	if c.Faults.FailureWindowSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "faults.failure_window_seconds",
			Value:   c.Faults.FailureWindowSeconds,
			Message: "must be positive",
		})
	}
	if c.Faults.RecoveryGraceSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "faults.recovery_grace_seconds",
			Value:   c.Faults.RecoveryGraceSeconds,
			Message: "must not be negative",
		})
	}

	return errors
}

func (c *Config) validateFlow() []ValidationError {
	var errors []ValidationError

	if c.Flow.LoadThreshold <= 0 || c.Flow.LoadThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "flow.load_threshold",
			Value:   c.Flow.LoadThreshold,
			Message: "must be in (0.0, 1.0]",
		})
	}
	if c.Flow.RefreshIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "flow.refresh_interval_ms",
			Value:   c.Flow.RefreshIntervalMs,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateFairness() []ValidationError {
	var errors []ValidationError

	if c.Fairness.MaxTasksPerCorrelation <= 0 {
		errors = append(errors, ValidationError{
			Field:   "fairness.max_tasks_per_correlation",
			Value:   c.Fairness.MaxTasksPerCorrelation,
			Message: "must be positive",
		})
	}
	if c.Fairness.GlobalMaxTasks <= 0 {
		errors = append(errors, ValidationError{
			Field:   "fairness.global_max_tasks",
			Value:   c.Fairness.GlobalMaxTasks,
			Message: "must be positive",
		})
	}
	if c.Fairness.GlobalMaxTasks > 0 && c.Fairness.MaxTasksPerCorrelation > c.Fairness.GlobalMaxTasks {
		errors = append(errors, ValidationError{
			Field:   "fairness.max_tasks_per_correlation",
			Value:   c.Fairness.MaxTasksPerCorrelation,
			Message: "must not exceed fairness.global_max_tasks",
		})
	}
	if c.Fairness.WindowSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "fairness.window_seconds",
			Value:   c.Fairness.WindowSeconds,
			Message: "must be positive",
		})
	}
	if c.Fairness.QueueSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "fairness.queue_size",
			Value:   c.Fairness.QueueSize,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateAnalyzer() []ValidationError {
	var errors []ValidationError

	if c.Analyzer.SnapshotIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "analyzer.snapshot_interval_seconds",
			Value:   c.Analyzer.SnapshotIntervalSeconds,
			Message: "must be positive",
		})
	}
	if c.Analyzer.ScanIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "analyzer.scan_interval_seconds",
			Value:   c.Analyzer.ScanIntervalSeconds,
			Message: "must be positive",
		})
	}
	if c.Analyzer.StuckThresholdSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "analyzer.stuck_threshold_seconds",
			Value:   c.Analyzer.StuckThresholdSeconds,
			Message: "must be positive",
		})
	}
	if c.Analyzer.SlowThresholdSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "analyzer.slow_threshold_seconds",
			Value:   c.Analyzer.SlowThresholdSeconds,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

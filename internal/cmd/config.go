package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/capmesh/capmesh/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify capmesh configuration",
	Long: `View or modify capmesh configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  capmesh config set bidding.selection_strategy least_loaded
  capmesh config set flow.load_threshold 0.9
  capmesh config set fairness.max_tasks_per_correlation 10

Valid keys:
  bidding.timeout_ms                  - Bid round deadline in milliseconds
  bidding.selection_strategy          - Winner selection policy
                                        Options: highest_score, fastest, most_confident, least_loaded
  bidding.history_limit               - Retained bid rounds
  registry.heartbeat_timeout_seconds  - Worker silence limit
  registry.execution_timeout_seconds  - Default claim TTL
  faults.scan_interval_seconds        - Fault monitor cycle interval
  faults.failure_window_seconds       - Failure record window
  faults.recovery_grace_seconds       - Relapse-free recovery period
  flow.load_threshold                 - Overload utilization threshold (0.0-1.0)
  flow.refresh_interval_ms            - Capacity refresh interval
  fairness.max_tasks_per_correlation  - Per-workflow concurrent task cap
  fairness.global_max_tasks           - Global concurrent task cap
  fairness.window_seconds             - Starvation window / boost interval
  fairness.queue_size                 - Task runtime queue size
  analyzer.stuck_threshold_seconds    - Deadlock inactivity threshold
  analyzer.slow_threshold_seconds     - Bottleneck duration threshold
  logging.enabled                     - Write logs to a file (true/false)
  logging.level                       - Log level: debug, info, warn, error`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/capmesh/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	fmt.Println("Current configuration:")
	fmt.Println()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Printf("Config file: (none - using defaults)\n")
	}
	fmt.Println()

	fmt.Println("bidding:")
	fmt.Printf("  timeout_ms: %d\n", cfg.Bidding.TimeoutMs)
	fmt.Printf("  selection_strategy: %s\n", cfg.Bidding.SelectionStrategy)
	fmt.Printf("  history_limit: %d\n", cfg.Bidding.HistoryLimit)

	fmt.Println("registry:")
	fmt.Printf("  heartbeat_timeout_seconds: %d\n", cfg.Registry.HeartbeatTimeoutSeconds)
	fmt.Printf("  execution_timeout_seconds: %d\n", cfg.Registry.ExecutionTimeoutSeconds)

	fmt.Println("faults:")
	fmt.Printf("  scan_interval_seconds: %d\n", cfg.Faults.ScanIntervalSeconds)
	fmt.Printf("  failure_window_seconds: %d\n", cfg.Faults.FailureWindowSeconds)
	fmt.Printf("  recovery_grace_seconds: %d\n", cfg.Faults.RecoveryGraceSeconds)

	fmt.Println("flow:")
	fmt.Printf("  load_threshold: %.2f\n", cfg.Flow.LoadThreshold)
	fmt.Printf("  refresh_interval_ms: %d\n", cfg.Flow.RefreshIntervalMs)

	fmt.Println("fairness:")
	fmt.Printf("  max_tasks_per_correlation: %d\n", cfg.Fairness.MaxTasksPerCorrelation)
	fmt.Printf("  global_max_tasks: %d\n", cfg.Fairness.GlobalMaxTasks)
	fmt.Printf("  window_seconds: %d\n", cfg.Fairness.WindowSeconds)
	fmt.Printf("  queue_size: %d\n", cfg.Fairness.QueueSize)

	fmt.Println("analyzer:")
	fmt.Printf("  snapshot_interval_seconds: %d\n", cfg.Analyzer.SnapshotIntervalSeconds)
	fmt.Printf("  scan_interval_seconds: %d\n", cfg.Analyzer.ScanIntervalSeconds)
	fmt.Printf("  stuck_threshold_seconds: %d\n", cfg.Analyzer.StuckThresholdSeconds)
	fmt.Printf("  slow_threshold_seconds: %d\n", cfg.Analyzer.SlowThresholdSeconds)

	fmt.Println("logging:")
	fmt.Printf("  enabled: %v\n", cfg.Logging.Enabled)
	fmt.Printf("  level: %s\n", cfg.Logging.Level)

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	// Validate the key exists
	validKeys := map[string]string{
		"bidding.timeout_ms":                 "int",
		"bidding.selection_strategy":         "string",
		"bidding.history_limit":              "int",
		"registry.heartbeat_timeout_seconds": "int",
		"registry.execution_timeout_seconds": "int",
		"faults.scan_interval_seconds":       "int",
		"faults.failure_window_seconds":      "int",
		"faults.recovery_grace_seconds":      "int",
		"flow.load_threshold":                "float",
		"flow.refresh_interval_ms":           "int",
		"fairness.max_tasks_per_correlation": "int",
		"fairness.global_max_tasks":          "int",
		"fairness.window_seconds":            "int",
		"fairness.queue_size":                "int",
		"analyzer.snapshot_interval_seconds": "int",
		"analyzer.scan_interval_seconds":     "int",
		"analyzer.stuck_threshold_seconds":   "int",
		"analyzer.slow_threshold_seconds":    "int",
		"logging.enabled":                    "bool",
		"logging.level":                      "string",
		"logging.dir":                        "string",
	}

	keyType, ok := validKeys[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'capmesh config set --help' to see valid keys", key)
	}

	// Validate the value based on type
	var typedValue interface{}
	switch keyType {
	case "string":
		if key == "bidding.selection_strategy" && !config.IsValidSelectionStrategy(value) {
			return fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(config.ValidSelectionStrategies(), ", "))
		}
		if key == "logging.level" && !config.IsValidLogLevel(value) {
			return fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(config.ValidLogLevels(), ", "))
		}
		typedValue = value
	case "bool":
		if value != "true" && value != "false" {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		typedValue = value == "true"
	case "int":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if intVal < 0 {
			return fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		typedValue = intVal
	case "float":
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected number", key)
		}
		typedValue = floatVal
	}

	// Ensure config directory exists
	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Set the value in viper
	viper.Set(key, typedValue)

	// Write to config file
	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Set %s = %v\n", key, typedValue)
	fmt.Printf("Config saved to %s\n", configFile)

	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'capmesh config set' to modify values", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Generate a commented config file
	configContent := `# capmesh configuration

bidding:
  # Hard deadline for collecting bids in one round (milliseconds)
  timeout_ms: 5000
  # Winner selection: highest_score, fastest, most_confident, least_loaded
  selection_strategy: highest_score
  # Retained bid rounds for statistics
  history_limit: 200

registry:
  # How long a worker may go silent before it is unhealthy
  heartbeat_timeout_seconds: 30
  # Default claim TTL before the fault monitor reassigns the work
  execution_timeout_seconds: 300

faults:
  scan_interval_seconds: 2
  failure_window_seconds: 60
  recovery_grace_seconds: 30

flow:
  # Utilization at or above which new bid rounds are refused
  load_threshold: 0.8
  refresh_interval_ms: 2000

fairness:
  max_tasks_per_correlation: 20
  global_max_tasks: 100
  window_seconds: 30
  queue_size: 256

analyzer:
  snapshot_interval_seconds: 5
  scan_interval_seconds: 30
  stuck_threshold_seconds: 300
  slow_threshold_seconds: 60

logging:
  enabled: false
  level: info
  # Empty means the config directory
  dir: ""
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	fmt.Println(config.ConfigFile())
	return nil
}

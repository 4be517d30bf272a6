// Package sim drives a capmesh Hub with scripted workers and synthetic
// work, for demos and load experiments. Scenarios are YAML files; the
// runner can hot-reload a scenario while running.
package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerSpec describes one scripted worker in a scenario.
type WorkerSpec struct {
	ID           string   `yaml:"id"`
	Score        float64  `yaml:"score"`
	Confidence   float64  `yaml:"confidence"`
	Capacity     int      `yaml:"capacity"`
	Capabilities []string `yaml:"capabilities"`
	// WorkDurationMs is how long the worker pretends each unit takes.
	WorkDurationMs int `yaml:"work_duration_ms"`
	// FlakyAfterMs stops the worker's heartbeats after this long, to
	// exercise failure detection and reassignment. Zero means reliable.
	FlakyAfterMs int `yaml:"flaky_after_ms"`
}

// WorkSource describes a stream of synthetic work.
type WorkSource struct {
	Capability    string `yaml:"capability"`
	CorrelationID string `yaml:"correlation_id"`
	// IntervalMs is the gap between submissions.
	IntervalMs int `yaml:"interval_ms"`
	// Count caps total submissions; zero means unbounded.
	Count int `yaml:"count"`
}

// Scenario is a complete simulation description.
type Scenario struct {
	Name    string       `yaml:"name"`
	Workers []WorkerSpec `yaml:"workers"`
	Work    []WorkSource `yaml:"work"`
	// HeartbeatMs is the worker heartbeat interval.
	HeartbeatMs int `yaml:"heartbeat_ms"`
	// DurationMs ends the run; zero runs until interrupted.
	DurationMs int `yaml:"duration_ms"`
}

// Duration returns the scenario run length, zero for unbounded.
func (s *Scenario) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// HeartbeatInterval returns the worker heartbeat interval.
func (s *Scenario) HeartbeatInterval() time.Duration {
	if s.HeartbeatMs <= 0 {
		return time.Second
	}
	return time.Duration(s.HeartbeatMs) * time.Millisecond
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if len(s.Workers) == 0 {
		return fmt.Errorf("scenario %q: at least one worker required", s.Name)
	}
	seen := make(map[string]bool, len(s.Workers))
	for i, w := range s.Workers {
		if w.ID == "" {
			return fmt.Errorf("scenario %q: worker %d has no id", s.Name, i)
		}
		if seen[w.ID] {
			return fmt.Errorf("scenario %q: duplicate worker id %q", s.Name, w.ID)
		}
		seen[w.ID] = true
		if len(w.Capabilities) == 0 {
			return fmt.Errorf("scenario %q: worker %q declares no capabilities", s.Name, w.ID)
		}
		if w.Score < 0 || w.Score > 1 {
			return fmt.Errorf("scenario %q: worker %q score %v outside [0, 1]", s.Name, w.ID, w.Score)
		}
		if w.Capacity <= 0 {
			return fmt.Errorf("scenario %q: worker %q capacity must be positive", s.Name, w.ID)
		}
	}
	for i, src := range s.Work {
		if src.Capability == "" {
			return fmt.Errorf("scenario %q: work source %d has no capability", s.Name, i)
		}
		if src.CorrelationID == "" {
			return fmt.Errorf("scenario %q: work source %d has no correlation_id", s.Name, i)
		}
		if src.IntervalMs <= 0 {
			return fmt.Errorf("scenario %q: work source %d interval must be positive", s.Name, i)
		}
	}
	return nil
}

package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONToFile(t *testing.T) {
	dir := t.TempDir()

	l, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	l.Info("worker registered", "worker_id", "agent-1")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "scheduler.log"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry["msg"] != "worker registered" {
		t.Errorf("msg = %v, want %q", entry["msg"], "worker registered")
	}
	if entry["worker_id"] != "agent-1" {
		t.Errorf("worker_id = %v, want %q", entry["worker_id"], "agent-1")
	}
}

func TestLogger_FieldScoping(t *testing.T) {
	dir := t.TempDir()

	l, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	child := l.WithComponent("registry").WithWorker("agent-2").WithCorrelation("corr-1")
	child.Debug("heartbeat received")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "scheduler.log"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry["component"] != "registry" {
		t.Errorf("component = %v, want registry", entry["component"])
	}
	if entry["worker_id"] != "agent-2" {
		t.Errorf("worker_id = %v, want agent-2", entry["worker_id"])
	}
	if entry["correlation_id"] != "corr-1" {
		t.Errorf("correlation_id = %v, want corr-1", entry["correlation_id"])
	}
}

func TestLogger_ChildDoesNotMutateParent(t *testing.T) {
	l := NopLogger()
	child := l.WithWorker("agent-1")

	if len(l.attrs) != 0 {
		t.Errorf("parent attrs = %d, want 0", len(l.attrs))
	}
	if len(child.attrs) != 1 {
		t.Errorf("child attrs = %d, want 1", len(child.attrs))
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNopLogger_DoesNotPanic(t *testing.T) {
	l := NopLogger()
	l.Debug("a")
	l.Info("b", "k", 1)
	l.Warn("c")
	l.Error("d", "err", "boom")
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	if rootCmd == nil {
		t.Fatal("rootCmd is nil")
	}

	if rootCmd.Use != "capmesh" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "capmesh")
	}

	// Check for expected subcommands (compare by Name(), not Use which includes args)
	expectedCmds := []string{"sim", "watch", "config"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}

	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestSimCommandRequiresScenario(t *testing.T) {
	_, err := executeCommand(rootCmd, "sim")
	if err == nil {
		t.Error("sim without a scenario file should fail")
	}
}

func TestSimCommandMissingFile(t *testing.T) {
	_, err := executeCommand(rootCmd, "sim", "/nonexistent/scenario.yaml")
	if err == nil {
		t.Error("sim with a missing scenario file should fail")
	}
	if err != nil && !strings.Contains(err.Error(), "scenario") {
		t.Errorf("error should mention the scenario: %v", err)
	}
}

func TestConfigSetRejectsUnknownKey(t *testing.T) {
	_, err := executeCommand(rootCmd, "config", "set", "nope.nothing", "1")
	if err == nil {
		t.Error("config set with an unknown key should fail")
	}
}

func TestConfigSetRejectsBadStrategy(t *testing.T) {
	_, err := executeCommand(rootCmd, "config", "set", "bidding.selection_strategy", "coin_flip")
	if err == nil {
		t.Error("config set with an invalid strategy should fail")
	}
}

func TestConfigSetRejectsBadInt(t *testing.T) {
	_, err := executeCommand(rootCmd, "config", "set", "fairness.global_max_tasks", "lots")
	if err == nil {
		t.Error("config set with a non-integer value should fail")
	}
}

func TestConfigPathCommand(t *testing.T) {
	// Path command should succeed without any config file present
	if _, err := executeCommand(rootCmd, "config", "path"); err != nil {
		t.Errorf("config path failed: %v", err)
	}
}

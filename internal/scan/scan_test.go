package scan

import (
	"testing"

	"github.com/ralphdev/ralph/internal/common/config"
	ralpherrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestRun_BaselineTools(t *testing.T) {
	cfg := &config.Config{}
	checks, err := Run(cfg, newTestLogger(t))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	found := map[string]bool{}
	for _, ch := range checks {
		found[ch.Tool] = ch.Found
		if ch.Found && ch.Path == "" {
			t.Errorf("tool %s found without a resolved path", ch.Tool)
		}
	}
	for _, tool := range []string{"sh", "git"} {
		if !found[tool] {
			t.Errorf("expected baseline tool %s to resolve", tool)
		}
	}
}

func TestRun_IncludesAgentCommands(t *testing.T) {
	cfg := &config.Config{
		Agents: map[string]config.RoleConfig{
			"implementation": {Command: "sh"},
			"review":         {Command: "cat"},
		},
	}
	checks, err := Run(cfg, newTestLogger(t))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	seen := map[string]bool{}
	for _, ch := range checks {
		seen[ch.Tool] = true
	}
	for _, tool := range []string{"sh", "git", "cat"} {
		if !seen[tool] {
			t.Errorf("expected %s probed, got %v", tool, checks)
		}
	}
}

func TestRun_MissingToolReported(t *testing.T) {
	cfg := &config.Config{
		Agents: map[string]config.RoleConfig{
			"implementation": {Command: "definitely-not-a-real-binary-xyz"},
		},
	}
	checks, err := Run(cfg, newTestLogger(t))
	if err == nil {
		t.Fatal("expected tool-missing error")
	}
	if ralpherrors.ExitCodeFor(err) != ralpherrors.ExitToolMissing {
		t.Errorf("expected tool-missing exit code, got %d", ralpherrors.ExitCodeFor(err))
	}

	// The full picture is still reported alongside the error.
	var sawMissing, sawFound bool
	for _, ch := range checks {
		if ch.Tool == "definitely-not-a-real-binary-xyz" && !ch.Found {
			sawMissing = true
		}
		if ch.Tool == "sh" && ch.Found {
			sawFound = true
		}
	}
	if !sawMissing || !sawFound {
		t.Errorf("expected complete check list, got %v", checks)
	}
}

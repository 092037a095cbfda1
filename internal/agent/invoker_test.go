package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ralphdev/ralph/internal/common/config"
	ralpherrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/prompt"
)

type recordingSink struct {
	kinds []string
	lines []string
}

func (s *recordingSink) Emit(ctx context.Context, kind string, payload map[string]any) error {
	s.kinds = append(s.kinds, kind)
	if kind == "agent.output" {
		line, _ := payload["line"].(string)
		s.lines = append(s.lines, line)
	}
	return nil
}

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

func invokerConfig(agents map[string]config.RoleConfig) *config.Config {
	return &config.Config{
		Agents: agents,
		Limits: config.LimitsConfig{AgentTimeout: 30},
	}
}

func TestBuildArgv_PromptPlaceholder(t *testing.T) {
	rc := config.RoleConfig{
		Command: "agent",
		Args:    []string{"--print", "{prompt}"},
	}
	argv, viaStdin := buildArgv(rc, "do the thing")

	if viaStdin {
		t.Error("expected prompt via argv, not stdin")
	}
	if len(argv) != 3 || argv[2] != "do the thing" {
		t.Errorf("unexpected argv: %v", argv)
	}
}

func TestBuildArgv_NoPlaceholderMeansStdin(t *testing.T) {
	rc := config.RoleConfig{Command: "agent", Args: []string{"--print"}}
	argv, viaStdin := buildArgv(rc, "do the thing")

	if !viaStdin {
		t.Error("expected prompt on stdin when no arg carries the placeholder")
	}
	for _, a := range argv {
		if strings.Contains(a, "do the thing") {
			t.Errorf("prompt must not leak into argv: %v", argv)
		}
	}
}

func TestBuildArgv_ModelPlaceholder(t *testing.T) {
	rc := config.RoleConfig{
		Command: "agent",
		Args:    []string{"--model", "{model}"},
		Model:   "fast-1",
	}
	argv, _ := buildArgv(rc, "p")
	if argv[2] != "fast-1" {
		t.Errorf("expected model substituted, got %v", argv)
	}
}

func TestInvoke_CapturesStdoutOnly(t *testing.T) {
	cfg := invokerConfig(map[string]config.RoleConfig{
		"implementation": {
			Command: "sh",
			Args:    []string{"-c", "echo to stdout; echo to stderr 1>&2"},
		},
	})
	iv := NewInvoker(cfg, t.TempDir(), nil, newTestLogger(t))

	out, err := iv.Invoke(context.Background(), Invocation{Role: prompt.RoleImplementation, TaskID: "T-001", Prompt: "p"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(out.Text, "to stdout") {
		t.Errorf("expected stdout captured, got %q", out.Text)
	}
	if strings.Contains(out.Text, "to stderr") {
		t.Errorf("stderr must not mix into Text, got %q", out.Text)
	}
	if !strings.Contains(out.Stderr, "to stderr") {
		t.Errorf("expected stderr captured separately, got %q", out.Stderr)
	}
}

func TestInvoke_PromptOnStdin(t *testing.T) {
	cfg := invokerConfig(map[string]config.RoleConfig{
		"implementation": {Command: "cat"},
	})
	iv := NewInvoker(cfg, t.TempDir(), nil, newTestLogger(t))

	out, err := iv.Invoke(context.Background(), Invocation{Role: prompt.RoleImplementation, TaskID: "T-001", Prompt: "echo me back"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(out.Text, "echo me back") {
		t.Errorf("expected stdin prompt echoed, got %q", out.Text)
	}
}

func TestInvoke_NonzeroExitIsNotAnError(t *testing.T) {
	cfg := invokerConfig(map[string]config.RoleConfig{
		"implementation": {Command: "sh", Args: []string{"-c", "echo partial; exit 3"}},
	})
	sink := &recordingSink{}
	iv := NewInvoker(cfg, t.TempDir(), sink, newTestLogger(t))

	out, err := iv.Invoke(context.Background(), Invocation{Role: prompt.RoleImplementation, TaskID: "T-001", Prompt: "p"})
	if err != nil {
		t.Fatalf("expected no error for nonzero exit, got %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", out.ExitCode)
	}
	if !strings.Contains(out.Text, "partial") {
		t.Errorf("expected partial output preserved, got %q", out.Text)
	}

	last := sink.kinds[len(sink.kinds)-1]
	if last != "agent.failed" {
		t.Errorf("expected agent.failed event, got %v", sink.kinds)
	}
}

func TestInvoke_TimeoutReportedInOutput(t *testing.T) {
	cfg := invokerConfig(map[string]config.RoleConfig{
		"implementation": {Command: "sh", Args: []string{"-c", "echo started; sleep 30"}, Timeout: 1},
	})
	iv := NewInvoker(cfg, t.TempDir(), nil, newTestLogger(t))

	out, err := iv.Invoke(context.Background(), Invocation{Role: prompt.RoleImplementation, TaskID: "T-001", Prompt: "p"})
	if err != nil {
		t.Fatalf("expected no error for timeout, got %v", err)
	}
	if !out.TimedOut {
		t.Error("expected TimedOut set")
	}
	if !strings.Contains(out.Text, "started") {
		t.Errorf("expected partial output preserved, got %q", out.Text)
	}
}

func TestInvoke_CancelledMidRunAborts(t *testing.T) {
	cfg := invokerConfig(map[string]config.RoleConfig{
		"implementation": {Command: "sleep", Args: []string{"30"}},
	})
	iv := NewInvoker(cfg, t.TempDir(), nil, newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(200*time.Millisecond, cancel)
	defer timer.Stop()

	start := time.Now()
	_, err := iv.Invoke(ctx, Invocation{Role: prompt.RoleImplementation, TaskID: "T-001", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if ralpherrors.ExitCodeFor(err) != ralpherrors.ExitUserAbort {
		t.Errorf("expected user-abort exit code, got %d (%v)", ralpherrors.ExitCodeFor(err), err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected cancellation to interrupt the subprocess, took %v", elapsed)
	}
}

func TestInvoke_MissingBinary(t *testing.T) {
	cfg := invokerConfig(map[string]config.RoleConfig{
		"implementation": {Command: "definitely-not-a-real-binary-xyz"},
	})
	iv := NewInvoker(cfg, t.TempDir(), nil, newTestLogger(t))

	_, err := iv.Invoke(context.Background(), Invocation{Role: prompt.RoleImplementation, TaskID: "T-001", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if ralpherrors.ExitCodeFor(err) != ralpherrors.ExitToolMissing {
		t.Errorf("expected tool-missing exit code, got %d", ralpherrors.ExitCodeFor(err))
	}
}

func TestInvoke_StreamsOutputLines(t *testing.T) {
	cfg := invokerConfig(map[string]config.RoleConfig{
		"implementation": {Command: "sh", Args: []string{"-c", "echo one; echo two"}},
	})
	sink := &recordingSink{}
	iv := NewInvoker(cfg, t.TempDir(), sink, newTestLogger(t))

	if _, err := iv.Invoke(context.Background(), Invocation{Role: prompt.RoleImplementation, TaskID: "T-001", Prompt: "p"}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(sink.lines) != 2 || sink.lines[0] != "one" || sink.lines[1] != "two" {
		t.Errorf("expected streamed lines, got %v", sink.lines)
	}
	if sink.kinds[0] != "agent.started" || sink.kinds[len(sink.kinds)-1] != "agent.completed" {
		t.Errorf("unexpected event sequence: %v", sink.kinds)
	}
}

func TestInvoke_UnknownRoleFallsBack(t *testing.T) {
	cfg := invokerConfig(map[string]config.RoleConfig{
		"implementation": {Command: "sh", Args: []string{"-c", "echo fallback"}},
	})
	iv := NewInvoker(cfg, t.TempDir(), nil, newTestLogger(t))

	out, err := iv.Invoke(context.Background(), Invocation{Role: prompt.RoleUIFix, TaskID: "T-001", Prompt: "p"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(out.Text, "fallback") {
		t.Errorf("expected fallback to implementation command, got %q", out.Text)
	}
}

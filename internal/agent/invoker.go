// Package agent invokes the external LLM CLI as a subprocess: one
// prompt in, full textual output back, with per-line streaming onto the
// event timeline.
package agent

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/config"
	ralpherrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/execx"
	"github.com/ralphdev/ralph/internal/prompt"
)

// promptPlaceholder in a configured arg is replaced by the prompt text.
// When no arg carries it, the prompt goes to the agent's stdin.
const promptPlaceholder = "{prompt}"

// modelPlaceholder in a configured arg is replaced by the role's model.
const modelPlaceholder = "{model}"

// Invocation is one agent call.
type Invocation struct {
	Role   prompt.Role
	TaskID string
	Prompt string
}

// Output is the result of a completed agent call. A non-zero exit or a
// timeout still yields the captured output; signal parsing decides what
// the attempt was worth. Signal markers are honored on Text (stdout);
// Stderr is carried for diagnostics only.
type Output struct {
	Text     string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Invoker runs agent invocations according to per-role configuration.
type Invoker struct {
	cfg      *config.Config
	repoRoot string
	sink     events.Sink
	logger   *logger.Logger
}

// NewInvoker creates an invoker rooted at the repository.
func NewInvoker(cfg *config.Config, repoRoot string, sink events.Sink, log *logger.Logger) *Invoker {
	return &Invoker{
		cfg:      cfg,
		repoRoot: repoRoot,
		sink:     sink,
		logger:   log.WithFields(zap.String("component", "agent")),
	}
}

// Invoke runs one agent call to completion under the role's deadline.
// The returned error is non-nil only for environment problems (missing
// binary, cancellation); timeouts and non-zero exits are reported in
// the Output and drive normal retry logic.
func (iv *Invoker) Invoke(ctx context.Context, inv Invocation) (*Output, error) {
	rc := iv.cfg.RoleFor(string(inv.Role))
	timeout := rc.TimeoutDuration()
	if timeout <= 0 {
		timeout = iv.cfg.Limits.AgentTimeoutDuration()
	}

	argv, viaStdin := buildArgv(rc, inv.Prompt)

	iv.emit(ctx, events.AgentStarted, map[string]any{
		"role":    string(inv.Role),
		"task_id": inv.TaskID,
		"command": rc.Command,
		"model":   rc.Model,
	})
	iv.logger.Info("invoking agent",
		zap.String("role", string(inv.Role)),
		zap.String("task_id", inv.TaskID),
		zap.String("command", rc.Command),
		zap.Duration("timeout", timeout))

	spec := execx.Spec{
		Command: argv,
		Dir:     iv.repoRoot,
		Timeout: timeout,
		UsePTY:  rc.UsePTY,
		OnLine: func(stream execx.Stream, line string) {
			iv.emit(ctx, events.AgentOutput, map[string]any{
				"role":    string(inv.Role),
				"task_id": inv.TaskID,
				"stream":  string(stream),
				"line":    line,
			})
		},
	}
	if viaStdin {
		spec.Stdin = inv.Prompt
	}

	res, err := execx.Run(ctx, spec)

	var spawnErr *execx.SpawnError
	var timeoutErr *execx.TimeoutError
	switch {
	case err == nil:
	case errors.As(err, &timeoutErr):
		// Fall through with the partial output.
	case ctx.Err() != nil:
		// The run was cancelled while the agent subprocess was executing.
		iv.emit(ctx, events.AgentFailed, map[string]any{
			"role":    string(inv.Role),
			"task_id": inv.TaskID,
			"reason":  "aborted",
		})
		return nil, ralpherrors.Aborted()
	case errors.As(err, &spawnErr):
		iv.emit(ctx, events.AgentFailed, map[string]any{
			"role":    string(inv.Role),
			"task_id": inv.TaskID,
			"reason":  "spawn_failed",
			"error":   spawnErr.Error(),
		})
		if errors.Is(spawnErr.Err, exec.ErrNotFound) {
			return nil, ralpherrors.ToolMissing(rc.Command)
		}
		return nil, spawnErr
	default:
		return nil, err
	}

	out := &Output{
		Text:     res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
		TimedOut: res.TimedOut,
	}

	if res.TimedOut || res.ExitCode != 0 {
		reason := "nonzero_exit"
		if res.TimedOut {
			reason = "timeout"
		}
		iv.logger.Warn("agent invocation failed",
			zap.String("role", string(inv.Role)),
			zap.String("reason", reason),
			zap.Int("exit_code", res.ExitCode))
		iv.emit(ctx, events.AgentFailed, map[string]any{
			"role":        string(inv.Role),
			"task_id":     inv.TaskID,
			"reason":      reason,
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
		})
		return out, nil
	}

	iv.emit(ctx, events.AgentCompleted, map[string]any{
		"role":        string(inv.Role),
		"task_id":     inv.TaskID,
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return out, nil
}

// buildArgv resolves the role command line. The second return reports
// whether the prompt must be supplied on stdin.
func buildArgv(rc config.RoleConfig, promptText string) ([]string, bool) {
	argv := []string{rc.Command}
	viaStdin := true
	for _, arg := range rc.Args {
		if strings.Contains(arg, promptPlaceholder) {
			arg = strings.ReplaceAll(arg, promptPlaceholder, promptText)
			viaStdin = false
		}
		if strings.Contains(arg, modelPlaceholder) {
			arg = strings.ReplaceAll(arg, modelPlaceholder, rc.Model)
		}
		argv = append(argv, arg)
	}
	return argv, viaStdin
}

func (iv *Invoker) emit(ctx context.Context, kind string, payload map[string]any) {
	if iv.sink == nil {
		return
	}
	if err := iv.sink.Emit(ctx, kind, payload); err != nil {
		iv.logger.WithError(err).Error("failed to emit agent event")
	}
}

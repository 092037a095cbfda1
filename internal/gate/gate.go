// Package gate runs ordered quality-gate commands with precondition and
// fatality semantics.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/config"
	ralpherrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/common/tracing"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/execx"
)

// Status is the per-gate outcome.
type Status string

const (
	StatusPassed       Status = "passed"
	StatusFailed       Status = "failed"
	StatusSkipped      Status = "skipped"       // precondition file absent
	StatusNotAttempted Status = "not_attempted" // earlier fatal gate failed
)

// tailLines bounds the captured output carried into fix prompts and
// gate.fail payloads.
const tailLines = 40

// Result is the outcome of one gate.
type Result struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	Fatal      bool          `json:"fatal"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	OutputTail string        `json:"output_tail,omitempty"`
	Command    string        `json:"command,omitempty"`
}

// Aggregate is the result of a full gate sequence.
type Aggregate struct {
	Phase          string   `json:"phase"`
	AllFatalPassed bool     `json:"all_fatal_passed"`
	Results        []Result `json:"results"`
}

// FirstFatalFailure returns the fatal gate that halted the sequence, or
// nil when all fatal gates passed.
func (a *Aggregate) FirstFatalFailure() *Result {
	for i := range a.Results {
		r := &a.Results[i]
		if r.Status == StatusFailed && r.Fatal {
			return r
		}
	}
	return nil
}

// Warnings returns the non-fatal failures.
func (a *Aggregate) Warnings() []Result {
	var out []Result
	for _, r := range a.Results {
		if r.Status == StatusFailed && !r.Fatal {
			out = append(out, r)
		}
	}
	return out
}

// Runner executes gate sequences against a repo root.
type Runner struct {
	repoRoot string
	sink     events.Sink
	logger   *logger.Logger
}

// NewRunner creates a gate runner. sink may be nil for callers that do
// not record a timeline (verify dry runs).
func NewRunner(repoRoot string, sink events.Sink, log *logger.Logger) *Runner {
	return &Runner{
		repoRoot: repoRoot,
		sink:     sink,
		logger:   log.WithFields(zap.String("component", "gate")),
	}
}

// Run executes the gates in order. Gates whose precondition file is
// absent are skipped. After a fatal failure the remaining gates are
// reported as not attempted. The returned error is reserved for runner
// infrastructure problems; gate command failures live in the aggregate.
func (r *Runner) Run(ctx context.Context, phase string, gates []config.GateConfig) (*Aggregate, error) {
	r.emit(ctx, events.GatesStarted, map[string]any{
		"phase": phase,
		"count": len(gates),
	})

	agg := &Aggregate{Phase: phase, AllFatalPassed: true}
	halted := false

	for _, g := range gates {
		if halted {
			agg.Results = append(agg.Results, Result{Name: g.Name, Status: StatusNotAttempted, Fatal: g.Fatal})
			continue
		}

		if g.PreconditionFile != "" {
			if _, err := os.Stat(filepath.Join(r.repoRoot, g.PreconditionFile)); err != nil {
				r.logger.Info("gate skipped, precondition file absent",
					zap.String("gate", g.Name),
					zap.String("precondition", g.PreconditionFile))
				agg.Results = append(agg.Results, Result{Name: g.Name, Status: StatusSkipped, Fatal: g.Fatal})
				continue
			}
		}

		res, err := r.runOne(ctx, g)
		if err != nil {
			return nil, err
		}
		agg.Results = append(agg.Results, res)
		if res.Status == StatusFailed && g.Fatal {
			agg.AllFatalPassed = false
			halted = true
		}
	}

	passed, failed := 0, 0
	for _, res := range agg.Results {
		switch res.Status {
		case StatusPassed:
			passed++
		case StatusFailed:
			failed++
		}
	}
	r.emit(ctx, events.GatesCompleted, map[string]any{
		"phase":            phase,
		"passed":           passed,
		"failed":           failed,
		"all_fatal_passed": agg.AllFatalPassed,
	})
	return agg, nil
}

func (r *Runner) runOne(ctx context.Context, g config.GateConfig) (Result, error) {
	spanCtx, span := tracing.StartGateSpan(ctx, g.Name)
	defer span.End()

	res, err := execx.Run(spanCtx, execx.Spec{
		Command: []string{"sh", "-c", g.Cmd},
		Dir:     r.repoRoot,
		Timeout: g.TimeoutDuration(),
	})

	var timeoutErr *execx.TimeoutError
	switch {
	case err == nil:
	case errors.As(err, &timeoutErr):
		// Timed out gates report as failures with their partial output.
	case ctx.Err() != nil:
		// Run cancellation, not a per-gate timeout. Exit code 7.
		return Result{}, ralpherrors.Aborted()
	case errors.Is(err, context.DeadlineExceeded):
		return Result{}, err
	default:
		return Result{}, fmt.Errorf("gate %q: %w", g.Name, err)
	}

	result := Result{
		Name:     g.Name,
		Fatal:    g.Fatal,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
		Command:  g.Cmd,
	}

	if res.ExitCode == 0 && !res.TimedOut {
		result.Status = StatusPassed
		r.logger.Info("gate passed",
			zap.String("gate", g.Name),
			zap.Duration("duration", res.Duration))
		r.emit(ctx, events.GatePass, map[string]any{
			"gate":        g.Name,
			"duration_ms": res.Duration.Milliseconds(),
		})
		return result, nil
	}

	result.Status = StatusFailed
	result.OutputTail = tail(res.Stdout, res.Stderr)
	if res.TimedOut {
		result.OutputTail = strings.TrimRight(result.OutputTail, "\n") +
			fmt.Sprintf("\n(gate timed out after %v)", g.TimeoutDuration())
	}
	r.logger.Warn("gate failed",
		zap.String("gate", g.Name),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("fatal", g.Fatal),
		zap.Bool("timed_out", res.TimedOut))
	r.emit(ctx, events.GateFail, map[string]any{
		"gate":        g.Name,
		"exit_code":   res.ExitCode,
		"fatal":       g.Fatal,
		"timed_out":   res.TimedOut,
		"duration_ms": res.Duration.Milliseconds(),
		"output_tail": result.OutputTail,
	})
	return result, nil
}

func (r *Runner) emit(ctx context.Context, kind string, payload map[string]any) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Emit(ctx, kind, payload); err != nil {
		r.logger.WithError(err).Error("failed to emit gate event")
	}
}

// tail returns the last lines of the combined output streams.
func tail(stdout, stderr string) string {
	combined := stdout
	if stderr != "" {
		combined += stderr
	}
	lines := strings.Split(strings.TrimRight(combined, "\n"), "\n")
	if len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	return strings.Join(lines, "\n")
}

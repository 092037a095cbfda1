// Package loop drives one task through the verified phase sequence:
// implement, write tests, run gates, review. Every advance requires an
// agent completion signal bound to the session token; failures feed
// back into the next attempt until the iteration budget runs out.
package loop

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/agent"
	"github.com/ralphdev/ralph/internal/common/config"
	ralpherrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/common/tracing"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/gate"
	"github.com/ralphdev/ralph/internal/guardrail"
	"github.com/ralphdev/ralph/internal/prompt"
	"github.com/ralphdev/ralph/internal/session"
	"github.com/ralphdev/ralph/internal/signal"
	"github.com/ralphdev/ralph/internal/task"
)

type phase string

const (
	phaseImpl   phase = "impl"
	phaseTest   phase = "test"
	phaseGates  phase = "gates"
	phaseFix    phase = "fix"
	phaseReview phase = "review"
)

// Invoker is the agent dependency, satisfied by agent.Invoker in
// production and by fakes in tests.
type Invoker interface {
	Invoke(ctx context.Context, inv agent.Invocation) (*agent.Output, error)
}

// Snapshotter is the guardrail dependency used around the test phase.
type Snapshotter interface {
	Snapshot() (*guardrail.Snapshot, error)
	Enforce(ctx context.Context, snap *guardrail.Snapshot) (*guardrail.Report, error)
}

// GateRunner runs a named gate sequence.
type GateRunner interface {
	Run(ctx context.Context, phase string, gates []config.GateConfig) (*gate.Aggregate, error)
}

// Engine runs the per-task state machine. One engine serves one run;
// it keeps no per-task state between RunTask calls.
type Engine struct {
	cfg     *config.Config
	store   *session.Store
	invoker Invoker
	guard   Snapshotter
	gates   GateRunner
	sink    events.Sink
	logger  *logger.Logger

	gatePhase string
	gateList  []config.GateConfig
}

// NewEngine wires the loop's collaborators. The GATES phase runs the
// "full" sequence unless overridden via SetGatePhase.
func NewEngine(cfg *config.Config, store *session.Store, invoker Invoker, guard Snapshotter, gates GateRunner, sink events.Sink, log *logger.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		invoker:   invoker,
		guard:     guard,
		gates:     gates,
		sink:      sink,
		logger:    log.WithFields(zap.String("component", "loop")),
		gatePhase: "full",
		gateList:  cfg.Gates.Full,
	}
}

// SetGatePhase overrides which gate sequence the GATES phase runs. An
// empty list makes GATES a no-op that always passes.
func (e *Engine) SetGatePhase(phase string, gates []config.GateConfig) {
	e.gatePhase = phase
	e.gateList = gates
}

// RunTask drives the task to DONE or returns a terminal error. On
// success the caller marks passes=true; the loop itself never writes
// the pass bit.
func (e *Engine) RunTask(ctx context.Context, t *task.Task) error {
	token := e.store.Session().SessionToken
	if err := e.store.MarkTaskStarted(t.ID); err != nil {
		return err
	}

	st := phaseImpl
	var implFeedback []string
	var testFeedback []string
	var fixFeedback []string
	var reviewRetries []string
	var gateFailure *gate.Result
	inFixLoop := false
	fixIteration := 0

	for {
		select {
		case <-ctx.Done():
			return ralpherrors.Aborted()
		default:
		}

		switch st {
		case phaseImpl:
			sig, fb, err := e.invokePhase(ctx, t, prompt.RoleImplementation, prompt.Input{Feedback: implFeedback}, token)
			if err != nil {
				return err
			}
			if sig == nil {
				implFeedback = append(implFeedback, fb)
				continue
			}
			testFeedback = nil
			st = phaseTest

		case phaseTest:
			snap, err := e.guard.Snapshot()
			if err != nil {
				return ralpherrors.Internal("guardrail snapshot failed", err)
			}
			sig, fb, err := e.invokePhase(ctx, t, prompt.RoleTestWriting, prompt.Input{
				Feedback:   testFeedback,
				AllowPaths: e.cfg.TestPaths.Allow,
			}, token)
			if err != nil {
				// The budget can run out or the run can be aborted mid-phase;
				// out-of-scope writes from the final attempt still get reverted.
				if _, enfErr := e.guard.Enforce(ctx, snap); enfErr != nil {
					e.logger.WithError(enfErr).Error("guardrail enforcement failed during teardown")
				}
				snap.Release()
				return err
			}
			report, enfErr := e.guard.Enforce(ctx, snap)
			snap.Release()
			if enfErr != nil {
				return ralpherrors.Internal("guardrail enforcement failed", enfErr)
			}
			if sig == nil {
				testFeedback = append(testFeedback, fb)
				continue
			}
			if len(report.Reverted) > 0 && !report.HasAllowedChanges() {
				// The agent signaled success but every change it made was
				// out of scope and has been reverted.
				testFeedback = append(testFeedback, revertFeedback(report))
				_ = e.store.RecordFailure(t.ID, "test phase: all changes reverted by guardrail")
				continue
			}
			st = phaseGates

		case phaseGates:
			agg, err := e.gates.Run(ctx, e.gatePhase, e.gateList)
			if err != nil {
				if ralpherrors.IsAborted(err) {
					return err
				}
				return ralpherrors.Internal("gate runner failed", err)
			}
			if agg.AllFatalPassed {
				if inFixLoop {
					e.emit(ctx, events.FixLoopEnded, map[string]any{
						"task_id":    t.ID,
						"iterations": fixIteration,
						"outcome":    "gates_passed",
					})
					inFixLoop = false
				}
				st = phaseReview
				continue
			}
			gateFailure = agg.FirstFatalFailure()
			_ = e.store.RecordFailure(t.ID, fmt.Sprintf("gate %s failed", gateFailure.Name))
			if !inFixLoop {
				inFixLoop = true
				fixIteration = 0
				e.emit(ctx, events.FixLoopStarted, map[string]any{
					"task_id": t.ID,
					"gate":    gateFailure.Name,
				})
			}
			fixFeedback = nil
			st = phaseFix

		case phaseFix:
			fixIteration++
			e.emit(ctx, events.FixLoopIteration, map[string]any{
				"task_id":   t.ID,
				"iteration": fixIteration,
				"gate":      gateFailure.Name,
			})
			sig, fb, err := e.invokePhase(ctx, t, prompt.RoleFix, prompt.Input{
				Feedback: fixFeedback,
				Failure: &prompt.GateFailure{
					Name:       gateFailure.Name,
					Command:    gateFailure.Command,
					OutputTail: gateFailure.OutputTail,
				},
			}, token)
			if err != nil {
				return err
			}
			if sig == nil {
				fixFeedback = append(fixFeedback, fb)
				continue
			}
			st = phaseGates

		case phaseReview:
			verdict, fb, err := e.invokeReview(ctx, t, token, reviewRetries)
			if err != nil {
				return err
			}
			switch {
			case verdict == nil:
				// Signal failure; retry the review with the reason fed back.
				reviewRetries = append(reviewRetries, fb)
				continue
			case verdict.Kind == signal.ReviewApproved:
				e.logger.Info("task approved", zap.String("task_id", t.ID))
				return nil
			default:
				// Rejected: the objections become implementation feedback.
				implFeedback = append(implFeedback, rejectionFeedback(verdict.Content))
				reviewRetries = nil
				_ = e.store.RecordFailure(t.ID, "review_rejected")
				st = phaseImpl
			}
		}
	}
}

// chargeIteration consumes one unit of the task's invocation budget.
func (e *Engine) chargeIteration(ctx context.Context, t *task.Task, p phase) (int, error) {
	n, err := e.store.IncrementIterations(t.ID)
	if err != nil {
		return 0, err
	}
	if n > e.cfg.Limits.MaxIterations {
		_ = e.store.RecordFailure(t.ID, "max_iterations")
		return n, ralpherrors.TaskFailed(t.ID, "max_iterations")
	}
	e.emit(ctx, events.IterationStarted, map[string]any{
		"task_id":   t.ID,
		"iteration": n,
		"phase":     string(p),
	})
	return n, nil
}

// invokePhase runs one agent call for a single-signal role and parses
// its completion marker. A nil Signal with non-empty feedback means a
// recoverable failure the caller should retry with.
func (e *Engine) invokePhase(ctx context.Context, t *task.Task, role prompt.Role, in prompt.Input, token string) (*signal.Signal, string, error) {
	p := rolePhase(role)
	iteration, err := e.chargeIteration(ctx, t, p)
	if err != nil {
		return nil, "", err
	}
	defer e.emit(ctx, events.IterationEnded, map[string]any{
		"task_id":   t.ID,
		"iteration": iteration,
		"phase":     string(p),
	})

	spanCtx, span := tracing.StartPhaseSpan(ctx, t.ID, string(p))
	defer span.End()

	in.Role = role
	in.Task = t
	in.SessionToken = token
	promptText, err := prompt.Build(in)
	if err != nil {
		return nil, "", ralpherrors.Internal("prompt assembly failed", err)
	}

	out, err := e.invoker.Invoke(spanCtx, agent.Invocation{Role: role, TaskID: t.ID, Prompt: promptText})
	if err != nil {
		return nil, "", err
	}
	if out.TimedOut {
		e.rejectSignal(ctx, t, role, "timeout")
		return nil, "the previous attempt exceeded its time budget and was terminated; finish sooner and emit the completion marker", nil
	}

	sig, perr := signal.Parse(out.Text, prompt.SignalKind(role), token)
	if perr != nil {
		reason := signal.Reason(perr)
		e.rejectSignal(ctx, t, role, reason)
		_ = e.store.RecordFailure(t.ID, fmt.Sprintf("%s phase: %s", p, reason))
		return nil, signalFeedback(role, token, perr), nil
	}

	e.emit(ctx, events.SignalAccepted, map[string]any{
		"task_id": t.ID,
		"role":    string(role),
		"kind":    sig.Kind,
	})
	return sig, "", nil
}

// invokeReview runs the review phase, which terminates on either
// verdict kind. feedback carries prior review-signal failures so a
// retried review prompt is not identical to the failed one.
func (e *Engine) invokeReview(ctx context.Context, t *task.Task, token string, feedback []string) (*signal.Signal, string, error) {
	iteration, err := e.chargeIteration(ctx, t, phaseReview)
	if err != nil {
		return nil, "", err
	}
	defer e.emit(ctx, events.IterationEnded, map[string]any{
		"task_id":   t.ID,
		"iteration": iteration,
		"phase":     string(phaseReview),
	})

	spanCtx, span := tracing.StartPhaseSpan(ctx, t.ID, string(phaseReview))
	defer span.End()

	promptText, err := prompt.Build(prompt.Input{
		Role:         prompt.RoleReview,
		Task:         t,
		SessionToken: token,
		Feedback:     feedback,
	})
	if err != nil {
		return nil, "", ralpherrors.Internal("prompt assembly failed", err)
	}

	out, err := e.invoker.Invoke(spanCtx, agent.Invocation{Role: prompt.RoleReview, TaskID: t.ID, Prompt: promptText})
	if err != nil {
		return nil, "", err
	}
	if out.TimedOut {
		e.rejectSignal(ctx, t, prompt.RoleReview, "timeout")
		return nil, "the previous review exceeded its time budget and was terminated; review faster and emit a verdict marker", nil
	}

	verdict, perr := signal.ParseReview(out.Text, token)
	if perr != nil {
		reason := signal.Reason(perr)
		e.rejectSignal(ctx, t, prompt.RoleReview, reason)
		_ = e.store.RecordFailure(t.ID, "review phase: "+reason)
		return nil, reviewSignalFeedback(token, perr), nil
	}

	e.emit(ctx, events.SignalAccepted, map[string]any{
		"task_id": t.ID,
		"role":    string(prompt.RoleReview),
		"kind":    verdict.Kind,
	})
	return verdict, "", nil
}

func (e *Engine) rejectSignal(ctx context.Context, t *task.Task, role prompt.Role, reason string) {
	e.emit(ctx, events.SignalRejected, map[string]any{
		"task_id": t.ID,
		"role":    string(role),
		"reason":  reason,
	})
}

func (e *Engine) emit(ctx context.Context, kind string, payload map[string]any) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Emit(ctx, kind, payload); err != nil {
		e.logger.WithError(err).Error("failed to emit loop event")
	}
}

func rolePhase(role prompt.Role) phase {
	switch role {
	case prompt.RoleImplementation:
		return phaseImpl
	case prompt.RoleTestWriting:
		return phaseTest
	case prompt.RoleFix:
		return phaseFix
	case prompt.RoleReview:
		return phaseReview
	}
	return phase(role)
}

func signalFeedback(role prompt.Role, token string, perr error) string {
	kind := prompt.SignalKind(role)
	switch signal.Reason(perr) {
	case "invalid_token":
		return fmt.Sprintf("your completion marker carried the wrong session token; emit <%s session=%q>...</%s> with the exact token shown in the prompt", kind, token, kind)
	default:
		return fmt.Sprintf("no <%s> completion marker was found in your output; finish the work and emit the marker exactly as instructed", kind)
	}
}

func reviewSignalFeedback(token string, perr error) string {
	if signal.Reason(perr) == "invalid_token" {
		return fmt.Sprintf("your verdict marker carried the wrong session token; emit it with the exact token %q", token)
	}
	return "no review verdict marker was found in your output; emit exactly one of the two verdict markers shown above"
}

func revertFeedback(report *guardrail.Report) string {
	var paths []string
	for _, ch := range report.Reverted {
		paths = append(paths, ch.Path)
	}
	return "all of your changes were outside the allowed test paths and have been reverted: " +
		strings.Join(paths, ", ") + "; write tests only under the allowed paths"
}

func rejectionFeedback(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return "the reviewer rejected the implementation without further detail; re-examine the acceptance criteria"
	}
	return "the reviewer rejected the implementation: " + body
}

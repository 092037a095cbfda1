package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/agent"
	ralpherrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/gate"
	"github.com/ralphdev/ralph/internal/prompt"
	"github.com/ralphdev/ralph/internal/service"
	"github.com/ralphdev/ralph/internal/session"
	"github.com/ralphdev/ralph/internal/signal"
	"github.com/ralphdev/ralph/internal/task"
)

// uiCheck is one verification probe parsed from the planning agent's
// plan body. Lines look like:
//
//	GET /health 200
//	GET http://localhost:3000/dashboard
//
// The expected status defaults to any 2xx.
type uiCheck struct {
	Method string
	URL    string
	Expect int // 0 means any 2xx
}

// Verify runs the post-completion checks: the full gate sequence, then
// service startup, then agent-planned UI probes with a bounded fix
// loop. It creates its own session so the planning and fix agents get a
// valid token.
func (c *Coordinator) Verify(ctx context.Context) error {
	st := session.NewStore(c.cfg.StateDir, c.logger)
	sess, err := st.Create(session.Session{TaskSource: c.cfg.TaskSource.Path})
	if err != nil {
		return ralpherrors.Internal("session setup failed", err)
	}

	emitter, closers, err := c.buildEmitter(st, sess.SessionID)
	if err != nil {
		return err
	}
	defer closers()

	emitter.Emit(ctx, events.SessionStarted, map[string]any{
		"session_id": sess.SessionID,
		"mode":       "verify",
	})

	err = c.verifyChecks(ctx, emitter, sess.SessionToken)
	status := session.StatusCompleted
	if err != nil {
		status = session.StatusFailed
		if ralpherrors.IsAborted(err) {
			status = session.StatusAborted
		}
	}
	c.endSession(ctx, emitter, st, status, 0, 0)
	return err
}

func (c *Coordinator) verifyChecks(ctx context.Context, emitter *events.Emitter, token string) error {
	gates := gate.NewRunner(c.cfg.RepoRoot, emitter, c.logger)
	agg, err := gates.Run(ctx, "full", c.cfg.Gates.Full)
	if err != nil {
		return ralpherrors.Internal("gate runner failed", err)
	}
	if failure := agg.FirstFatalFailure(); failure != nil {
		return ralpherrors.GateFailure(failure.Name)
	}

	if len(c.cfg.Services) == 0 {
		c.logger.Info("no services configured, skipping UI verification")
		return nil
	}

	mgr := service.NewManager(c.cfg.Services, c.cfg.RepoRoot, emitter, c.logger)
	if err := mgr.StartAll(ctx); err != nil {
		return err
	}
	defer mgr.StopAll()

	return c.verifyUI(ctx, emitter, token)
}

// verifyUI asks the planning agent for a concrete probe plan, runs the
// probes, and drives the UI fix loop on failures until the budget is
// spent.
func (c *Coordinator) verifyUI(ctx context.Context, emitter *events.Emitter, token string) error {
	invoker := agent.NewInvoker(c.cfg, c.cfg.RepoRoot, emitter, c.logger)

	verifyTask := &task.Task{
		ID:    "T-000",
		Title: "post-completion UI verification",
		AcceptanceCriteria: []string{
			"every planned UI probe returns its expected status",
		},
	}

	checks, err := c.planChecks(ctx, invoker, verifyTask, token)
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		c.logger.Info("planning agent produced no UI checks")
		return nil
	}

	failed := c.runChecks(ctx, emitter, checks)
	if len(failed) == 0 {
		return nil
	}

	budget := c.cfg.Limits.UIFixIterations
	for i := 1; i <= budget; i++ {
		if err := ctx.Err(); err != nil {
			return ralpherrors.Aborted()
		}
		if err := c.invokeUIFix(ctx, invoker, verifyTask, token, failed); err != nil {
			return err
		}
		failed = c.runChecks(ctx, emitter, checks)
		if len(failed) == 0 {
			return nil
		}
	}
	return ralpherrors.UIVerificationFailed(fmt.Sprintf("%d UI checks still failing after %d fix iterations", len(failed), budget))
}

// planChecks invokes the planning agent and parses its ui-plan body.
// Planning retries are bounded by post_verify_iterations.
func (c *Coordinator) planChecks(ctx context.Context, invoker *agent.Invoker, t *task.Task, token string) ([]uiCheck, error) {
	attempts := c.cfg.Limits.PostVerifyIterations
	if attempts <= 0 {
		attempts = 1
	}

	var feedback []string
	for i := 0; i < attempts; i++ {
		promptText, err := prompt.Build(prompt.Input{
			Role:         prompt.RolePlanning,
			Task:         t,
			SessionToken: token,
			Feedback:     feedback,
			Guidance:     c.planGuidance(),
		})
		if err != nil {
			return nil, ralpherrors.Internal("prompt assembly failed", err)
		}
		out, err := invoker.Invoke(ctx, agent.Invocation{Role: prompt.RolePlanning, TaskID: t.ID, Prompt: promptText})
		if err != nil {
			return nil, err
		}
		sig, perr := signal.Parse(out.Text, signal.UIPlan, token)
		if perr != nil {
			feedback = append(feedback, "no valid ui-plan marker was found; emit the plan inside the marker")
			continue
		}
		return c.parseChecks(sig.Content), nil
	}
	return nil, ralpherrors.UIVerificationFailed("planning agent never produced a valid plan")
}

func (c *Coordinator) invokeUIFix(ctx context.Context, invoker *agent.Invoker, t *task.Task, token string, failed []uiCheck) error {
	var lines []string
	for _, ch := range failed {
		lines = append(lines, fmt.Sprintf("%s %s did not return the expected status", ch.Method, ch.URL))
	}
	promptText, err := prompt.Build(prompt.Input{
		Role:         prompt.RoleUIFix,
		Task:         t,
		SessionToken: token,
		Feedback:     lines,
	})
	if err != nil {
		return ralpherrors.Internal("prompt assembly failed", err)
	}
	out, err := invoker.Invoke(ctx, agent.Invocation{Role: prompt.RoleUIFix, TaskID: t.ID, Prompt: promptText})
	if err != nil {
		return err
	}
	if _, perr := signal.Parse(out.Text, signal.UIFixDone, token); perr != nil {
		c.logger.Warn("ui-fix agent did not signal completion", zap.String("reason", signal.Reason(perr)))
	}
	return nil
}

// runChecks executes every probe and returns the failing subset.
func (c *Coordinator) runChecks(ctx context.Context, emitter *events.Emitter, checks []uiCheck) []uiCheck {
	client := &http.Client{Timeout: 10 * time.Second}
	var failed []uiCheck
	for _, ch := range checks {
		emitter.Emit(ctx, events.UITestStarted, map[string]any{
			"method": ch.Method,
			"url":    ch.URL,
		})
		status, ok := c.probe(ctx, client, ch)
		if ok {
			emitter.Emit(ctx, events.UITestPass, map[string]any{
				"method": ch.Method,
				"url":    ch.URL,
				"status": status,
			})
			continue
		}
		emitter.Emit(ctx, events.UITestFail, map[string]any{
			"method": ch.Method,
			"url":    ch.URL,
			"status": status,
			"expect": ch.Expect,
		})
		failed = append(failed, ch)
	}
	return failed
}

func (c *Coordinator) probe(ctx context.Context, client *http.Client, ch uiCheck) (int, bool) {
	req, err := http.NewRequestWithContext(ctx, ch.Method, ch.URL, nil)
	if err != nil {
		return 0, false
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if ch.Expect > 0 {
		return resp.StatusCode, resp.StatusCode == ch.Expect
	}
	return resp.StatusCode, resp.StatusCode >= 200 && resp.StatusCode < 300
}

// parseChecks turns plan body lines into probes. Unparseable lines are
// skipped; relative paths resolve against the first configured service.
func (c *Coordinator) parseChecks(body string) []uiCheck {
	var base string
	if len(c.cfg.Services) > 0 {
		base = fmt.Sprintf("http://localhost:%d", c.cfg.Services[0].Port)
	}

	var checks []uiCheck
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		method := strings.ToUpper(fields[0])
		if method != http.MethodGet && method != http.MethodPost {
			continue
		}
		url := fields[1]
		if strings.HasPrefix(url, "/") {
			if base == "" {
				continue
			}
			url = base + url
		}
		check := uiCheck{Method: method, URL: url}
		if len(fields) >= 3 {
			if code, err := strconv.Atoi(fields[2]); err == nil && code >= 100 && code < 600 {
				check.Expect = code
			}
		}
		checks = append(checks, check)
	}
	return checks
}

// planGuidance tells the planning agent the exact plan line format the
// verifier can execute.
func (c *Coordinator) planGuidance() string {
	var b strings.Builder
	b.WriteString("Express the plan as one probe per line: METHOD PATH [expected-status], for example \"GET /health 200\". Paths resolve against the first configured service")
	if len(c.cfg.Services) > 0 {
		fmt.Fprintf(&b, " (port %d)", c.cfg.Services[0].Port)
	}
	b.WriteString("; absolute URLs are also accepted.")
	return b.String()
}

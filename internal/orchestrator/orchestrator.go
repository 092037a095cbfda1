// Package orchestrator coordinates a full run: session lifecycle, task
// selection, the per-task loop, and the final exit-code mapping.
package orchestrator

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/agent"
	"github.com/ralphdev/ralph/internal/common/config"
	ralpherrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/events/bus"
	"github.com/ralphdev/ralph/internal/events/timeline"
	"github.com/ralphdev/ralph/internal/events/timeline/store"
	"github.com/ralphdev/ralph/internal/gate"
	"github.com/ralphdev/ralph/internal/guardrail"
	"github.com/ralphdev/ralph/internal/loop"
	"github.com/ralphdev/ralph/internal/session"
	"github.com/ralphdev/ralph/internal/task"
)

// Options select and scope a run.
type Options struct {
	TaskID       string // run a single task
	StartFrom    string // skip pending tasks before this id
	IterationCap int    // override limits.max_iterations when > 0
	GatePhase    string // "build", "full" (default), or "none"
	Resume       string // existing session id to attach to
}

// Coordinator owns the wiring for one run.
type Coordinator struct {
	cfg    *config.Config
	logger *logger.Logger

	// Bus is exposed so an embedding server (websocket gateway) can
	// subscribe to live run events.
	Bus bus.EventBus
}

// New creates a coordinator.
func New(cfg *config.Config, log *logger.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, logger: log.WithFields(zap.String("component", "orchestrator"))}
}

// Plan returns the pending tasks a run would execute, in order. Used by
// dry-run.
func (c *Coordinator) Plan(opts Options) ([]task.Task, error) {
	list, err := task.Load(c.cfg.TaskSource.Path, c.cfg.TaskSource.Format)
	if err != nil {
		return nil, ralpherrors.ConfigError("invalid task list", err)
	}
	return selectTasks(list, opts), nil
}

// Run executes the full pipeline and returns the error whose exit code
// the process should terminate with.
func (c *Coordinator) Run(ctx context.Context, opts Options) error {
	list, err := task.Load(c.cfg.TaskSource.Path, c.cfg.TaskSource.Format)
	if err != nil {
		return ralpherrors.ConfigError("invalid task list", err)
	}

	pending := selectTasks(list, opts)
	if len(pending) == 0 {
		c.logger.Info("no pending tasks")
		return nil
	}

	if opts.IterationCap > 0 {
		cfgCopy := *c.cfg
		cfgCopy.Limits.MaxIterations = opts.IterationCap
		c.cfg = &cfgCopy
	}

	st := session.NewStore(c.cfg.StateDir, c.logger)
	var sess *session.Session
	if opts.Resume != "" {
		sess, err = st.Open(opts.Resume)
	} else {
		branch, commit := gitIdentity(c.cfg.RepoRoot)
		sess, err = st.Create(session.Session{
			TaskSource: c.cfg.TaskSource.Path,
			GitBranch:  branch,
			GitCommit:  commit,
		})
	}
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
		"task_count": len(pending),
	})

	// Verify the status artifact up front. It persists across runs at the
	// state-dir root, so tampering that happened since the previous run
	// fails closed here, before any task is attempted.
	if _, err := st.LoadStatus(); err != nil {
		if ralpherrors.IsTampering(err) {
			emitter.Emit(ctx, events.ChecksumFailed, map[string]any{"artifact": "task-status"})
		}
		c.endSession(ctx, emitter, st, session.StatusFailed, 0, 1)
		return err
	}
	emitter.Emit(ctx, events.ChecksumVerified, map[string]any{"artifact": "task-status"})

	engine := c.buildEngine(st, emitter, opts)

	completed := 0
	for i := range pending {
		t := &pending[i]
		st.SetCurrentTask(t.ID)
		emitter.Emit(ctx, events.TaskStarted, map[string]any{
			"task_id": t.ID,
			"title":   t.Title,
		})

		if err := engine.RunTask(ctx, t); err != nil {
			emitter.Emit(ctx, events.TaskFailed, map[string]any{
				"task_id": t.ID,
				"reason":  ralpherrors.FailureReason(err),
				"error":   err.Error(),
			})
			status := session.StatusFailed
			if ralpherrors.IsAborted(err) {
				status = session.StatusAborted
			}
			c.endSession(ctx, emitter, st, status, completed, 1)
			return err
		}

		if err := st.MarkTaskPassed(t.ID); err != nil {
			c.endSession(ctx, emitter, st, session.StatusFailed, completed, 1)
			return err
		}
		if lt, ok := list.Find(t.ID); ok {
			lt.Passes = true
			if err := task.Save(c.cfg.TaskSource.Path, list); err != nil {
				c.logger.WithError(err).Warn("failed to persist task list")
			}
		}
		emitter.Emit(ctx, events.TaskCompleted, map[string]any{"task_id": t.ID})
		completed++
	}

	c.endSession(ctx, emitter, st, session.StatusCompleted, completed, 0)
	return nil
}

func (c *Coordinator) buildEngine(st *session.Store, emitter *events.Emitter, opts Options) *loop.Engine {
	invoker := agent.NewInvoker(c.cfg, c.cfg.RepoRoot, emitter, c.logger)
	guard := guardrail.NewEnforcer(c.cfg.RepoRoot, c.cfg.TestPaths.Allow, c.cfg.TestPaths.AllowExisting, emitter, c.logger)
	gates := gate.NewRunner(c.cfg.RepoRoot, emitter, c.logger)
	engine := loop.NewEngine(c.cfg, st, invoker, guard, gates, emitter, c.logger)

	switch opts.GatePhase {
	case "build":
		engine.SetGatePhase("build", c.cfg.Gates.Build)
	case "none":
		engine.SetGatePhase("none", nil)
	}
	return engine
}

// buildEmitter wires the timeline writer, the sqlite archive, and the
// event bus behind one emitter. The returned closer shuts all three
// down.
func (c *Coordinator) buildEmitter(st *session.Store, sessionID string) (*events.Emitter, func(), error) {
	writer, err := timeline.NewWriter(st.TimelinePath())
	if err != nil {
		return nil, nil, ralpherrors.Internal("timeline setup failed", err)
	}

	archive, err := store.Open(st.ArchivePath())
	if err != nil {
		// The archive is a convenience index; the JSONL timeline is the
		// source of truth.
		c.logger.WithError(err).Warn("event archive unavailable")
		archive = nil
	}

	busCleanup := func() error { return nil }
	if c.Bus == nil {
		provided, cleanup, err := events.Provide(c.cfg, c.logger)
		if err != nil {
			_ = writer.Close()
			return nil, nil, ralpherrors.Internal("event bus setup failed", err)
		}
		c.Bus = provided.Bus
		busCleanup = cleanup
	}

	emitter := events.NewEmitter(c.Bus, writer, archiveOrNil(archive), sessionID, "orchestrator", c.logger)
	closers := func() {
		_ = writer.Close()
		if archive != nil {
			_ = archive.Close()
		}
		_ = busCleanup()
	}
	return emitter, closers, nil
}

// archiveOrNil avoids handing the emitter a typed nil interface.
func archiveOrNil(s *store.Store) events.Archive {
	if s == nil {
		return nil
	}
	return s
}

func (c *Coordinator) endSession(ctx context.Context, emitter *events.Emitter, st *session.Store, status string, completed, failed int) {
	emitter.Emit(ctx, events.SessionEnded, map[string]any{
		"status":    status,
		"completed": completed,
		"failed":    failed,
	})
	if err := st.Finish(status); err != nil {
		c.logger.WithError(err).Error("failed to finalize session")
	}
}

// selectTasks applies the run options to the pending set.
func selectTasks(list *task.List, opts Options) []task.Task {
	pending := list.Pending()
	if opts.TaskID != "" {
		for _, t := range pending {
			if t.ID == opts.TaskID {
				return []task.Task{t}
			}
		}
		return nil
	}
	if opts.StartFrom != "" {
		for i, t := range pending {
			if t.ID == opts.StartFrom {
				return pending[i:]
			}
		}
		return nil
	}
	return pending
}

// gitIdentity best-effort resolves the current branch and commit for
// session metadata. Missing git or a non-repo root is not an error.
func gitIdentity(repoRoot string) (branch, commit string) {
	branch = gitOutput(repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	commit = gitOutput(repoRoot, "rev-parse", "--short", "HEAD")
	return branch, commit
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// SessionDir returns the directory for a session id under the state
// dir, without requiring an open store.
func SessionDir(stateDir, sessionID string) string {
	return filepath.Join(stateDir, "sessions", sessionID)
}

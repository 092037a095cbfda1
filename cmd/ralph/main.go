// Package main is the ralph entry point: a verified task loop that
// drives an external coding agent through implement, test, gate, and
// review phases until every task passes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/config"
	ralpherrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/common/tracing"
	"github.com/ralphdev/ralph/internal/events"
	"github.com/ralphdev/ralph/internal/events/timeline/store"
	gateways "github.com/ralphdev/ralph/internal/gateway/websocket"
	"github.com/ralphdev/ralph/internal/orchestrator"
	"github.com/ralphdev/ralph/internal/scan"
	"github.com/ralphdev/ralph/internal/session"
)

const usage = `ralph - verified task loop for coding agents

Usage:
  ralph init              scaffold ralph.yaml and a starter task list
  ralph scan              probe for required external tools
  ralph run [flags]       execute the task loop
  ralph verify            run post-completion checks only

Run flags:
  -task ID          run a single task
  -start-from ID    skip pending tasks before this id
  -iterations N     override the per-task iteration cap
  -gates PHASE      gate sequence for the loop: build, full (default), none
  -dry-run          list pending tasks and exit
  -resume ID        attach to an existing session
  -serve            expose the live event stream over websocket

Global flags (before the subcommand):
  -config PATH      configuration file (default ./ralph.yaml)
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("ralph", flag.ContinueOnError)
	configPath := global.String("config", "", "configuration file")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return ralpherrors.ExitConfigError
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return ralpherrors.ExitConfigError
	}

	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "init" {
		return cmdInit()
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ralpherrors.ExitConfigError
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return ralpherrors.ExitConfigError
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	switch cmd {
	case "scan":
		return cmdScan(cfg, log)
	case "run":
		return cmdRun(ctx, cfg, log, cmdArgs)
	case "verify":
		return cmdVerify(ctx, cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return ralpherrors.ExitConfigError
	}
}

func cmdScan(cfg *config.Config, log *logger.Logger) int {
	checks, err := scan.Run(cfg, log)
	for _, ch := range checks {
		mark := "ok"
		if !ch.Found {
			mark = "MISSING"
		}
		fmt.Printf("%-24s %-8s %s\n", ch.Tool, mark, ch.Path)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ralpherrors.ExitCodeFor(err)
	}
	return ralpherrors.ExitOK
}

func cmdRun(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	taskID := fs.String("task", "", "run a single task")
	startFrom := fs.String("start-from", "", "skip pending tasks before this id")
	iterations := fs.Int("iterations", 0, "override the per-task iteration cap")
	gatePhase := fs.String("gates", "full", "gate sequence: build, full, none")
	dryRun := fs.Bool("dry-run", false, "list pending tasks and exit")
	resume := fs.String("resume", "", "attach to an existing session")
	serve := fs.Bool("serve", false, "expose the live event stream over websocket")
	if err := fs.Parse(args); err != nil {
		return ralpherrors.ExitConfigError
	}

	switch *gatePhase {
	case "build", "full", "none":
	default:
		fmt.Fprintf(os.Stderr, "invalid -gates value %q\n", *gatePhase)
		return ralpherrors.ExitConfigError
	}

	opts := orchestrator.Options{
		TaskID:       *taskID,
		StartFrom:    *startFrom,
		IterationCap: *iterations,
		GatePhase:    *gatePhase,
		Resume:       *resume,
	}
	coord := orchestrator.New(cfg, log)

	if *dryRun {
		tasks, err := coord.Plan(opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ralpherrors.ExitCodeFor(err)
		}
		for _, t := range tasks {
			fmt.Printf("%s  p%d  %s\n", t.ID, t.Priority, t.Title)
		}
		return ralpherrors.ExitOK
	}

	if *serve || cfg.Server.Enabled {
		if err := startGateway(ctx, cfg, coord, log); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ralpherrors.ExitCodeFor(err)
		}
	}

	if err := coord.Run(ctx, opts); err != nil {
		log.WithError(err).Error("run failed")
		fmt.Fprintln(os.Stderr, err)
		return ralpherrors.ExitCodeFor(err)
	}
	return ralpherrors.ExitOK
}

func cmdVerify(ctx context.Context, cfg *config.Config, log *logger.Logger) int {
	coord := orchestrator.New(cfg, log)
	if err := coord.Verify(ctx); err != nil {
		log.WithError(err).Error("verification failed")
		fmt.Fprintln(os.Stderr, err)
		return ralpherrors.ExitCodeFor(err)
	}
	fmt.Println("verification passed")
	return ralpherrors.ExitOK
}

// startGateway wires the websocket event stream ahead of the run so the
// coordinator publishes onto the same bus the gateway serves. The
// sqlite archive backs the session.status history action when it opens.
func startGateway(ctx context.Context, cfg *config.Config, coord *orchestrator.Coordinator, log *logger.Logger) error {
	provided, _, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	coord.Bus = provided.Bus

	var history gateways.HistorySource
	archive, err := store.Open(filepath.Join(cfg.StateDir, session.ArchiveFile))
	if err != nil {
		log.WithError(err).Warn("event archive unavailable, session.status disabled")
	} else {
		history = archive
		go func() {
			<-ctx.Done()
			_ = archive.Close()
		}()
	}

	server, err := gateways.NewServer(cfg.Server, provided.Bus, history, nil, log)
	if err != nil {
		return err
	}
	server.Start(ctx)
	log.Info("event gateway enabled",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))
	return nil
}

const starterConfig = `# ralph configuration
task_source:
  path: tasks.json

state_dir: .ralph
repo_root: .

agents:
  implementation:
    command: agent
    args: ["--print", "--model", "{model}"]
    model: default
  review:
    command: agent
    args: ["--print"]

limits:
  agent_timeout: 900
  max_iterations: 6
  post_verify_iterations: 2
  ui_fix_iterations: 2

gates:
  build:
    - name: build
      cmd: make build
      timeout: 600
      fatal: true
  full:
    - name: test
      cmd: make test
      timeout: 900
      fatal: true

test_paths:
  allow:
    - "tests/**"
    - "test/**"
    - "**/*_test.go"
    - "**/*.test.*"
    - "**/*.spec.*"
  allow_existing: true
`

const starterTasks = `{
  "project": "example",
  "description": "replace with your project",
  "tasks": [
    {
      "id": "T-001",
      "title": "First task",
      "description": "Describe the work",
      "acceptanceCriteria": ["Describe how to verify it"],
      "priority": 1,
      "passes": false
    }
  ]
}
`

func cmdInit() int {
	wrote := false
	for _, f := range []struct {
		path, content string
	}{
		{"ralph.yaml", starterConfig},
		{"tasks.json", starterTasks},
	} {
		if _, err := os.Stat(f.path); err == nil {
			fmt.Printf("%s already exists, skipping\n", f.path)
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", f.path, err)
			return ralpherrors.ExitConfigError
		}
		fmt.Printf("wrote %s\n", f.path)
		wrote = true
	}
	if wrote {
		fmt.Println("edit ralph.yaml and tasks.json, then run: ralph run")
	}
	return ralpherrors.ExitOK
}

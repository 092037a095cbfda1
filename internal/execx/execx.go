// Package execx runs external commands to completion under a deadline,
// with captured output and optional per-line streaming callbacks.
package execx

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Stream identifies which pipe a line arrived on.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LineFunc receives one output line while the child is running. Lines
// from stdout and stderr are interleaved in arrival order but tagged
// with their stream.
type LineFunc func(stream Stream, line string)

// DefaultGracePeriod is how long a signaled process gets to exit before
// it is force-killed.
const DefaultGracePeriod = 5 * time.Second

// Spec describes one command execution.
type Spec struct {
	Command []string          // argv; Command[0] is the binary
	Dir     string            // working directory
	Env     map[string]string // appended to the parent environment
	Stdin   string            // optional input
	Timeout time.Duration     // 0 means no deadline
	OnLine  LineFunc          // optional streaming callback
	// UsePTY runs the child under a pseudo-terminal. Output arrives on
	// a single combined stream tagged stdout.
	UsePTY      bool
	GracePeriod time.Duration // defaults to DefaultGracePeriod
}

// Result is the outcome of a completed (or timed-out) execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// SpawnError reports a command that could not be started at all
// (binary not found, permission denied).
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError reports a command that exceeded its deadline. The
// process was signaled, then force-killed after the grace period.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%q timed out after %v", e.Command, e.Timeout)
}

// Run executes the spec to completion. A non-zero exit is a normal
// completion (inspect Result.ExitCode); the returned error is non-nil
// only for spawn failures, timeouts, and context cancellation.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Command) == 0 {
		return Result{}, &SpawnError{Command: "", Err: errors.New("empty command")}
	}
	grace := spec.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)

	start := time.Now()

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup

	if spec.UsePTY {
		ptmx, err := startPTY(cmd, spec.Stdin)
		if err != nil {
			return Result{}, &SpawnError{Command: spec.Command[0], Err: err}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumeLines(ptmx, StreamStdout, &stdout, spec.OnLine)
			_ = ptmx.Close()
		}()
	} else {
		if spec.Stdin != "" {
			cmd.Stdin = strings.NewReader(spec.Stdin)
		}
		outPipe, err := cmd.StdoutPipe()
		if err != nil {
			return Result{}, &SpawnError{Command: spec.Command[0], Err: err}
		}
		errPipe, err := cmd.StderrPipe()
		if err != nil {
			return Result{}, &SpawnError{Command: spec.Command[0], Err: err}
		}
		if err := cmd.Start(); err != nil {
			return Result{}, &SpawnError{Command: spec.Command[0], Err: err}
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			consumeLines(outPipe, StreamStdout, &stdout, spec.OnLine)
		}()
		go func() {
			defer wg.Done()
			consumeLines(errPipe, StreamStderr, &stderr, spec.OnLine)
		}()
	}

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-deadline:
		timedOut = true
		waitErr = terminate(cmd, grace, done)
	case <-ctx.Done():
		_ = terminate(cmd, grace, done)
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, ctx.Err()
	}

	result := Result{
		ExitCode: exitCode(cmd, waitErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	if timedOut {
		return result, &TimeoutError{Command: spec.Command[0], Timeout: spec.Timeout}
	}
	return result, nil
}

// terminate signals the child, waits out the grace period, then kills.
// Returns the child's wait error.
func terminate(cmd *exec.Cmd, grace time.Duration, done <-chan error) error {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return <-done
	}
}

func startPTY(cmd *exec.Cmd, stdin string) (*os.File, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	if stdin != "" {
		// EOT terminates input for CLIs reading until end-of-file.
		_, _ = io.WriteString(ptmx, stdin+"\x04")
	}
	return ptmx, nil
}

// consumeLines scans a stream line by line into buf, invoking onLine as
// each line arrives.
func consumeLines(r io.Reader, stream Stream, buf *bytes.Buffer, onLine LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(stream, line)
		}
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil // inherit parent environment
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

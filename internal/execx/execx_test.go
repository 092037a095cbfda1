package execx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRun_CapturesStreams(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo out; echo err 1>&2"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
	if res.Stdout != "out\n" {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Errorf("unexpected stderr %q", res.Stderr)
	}
}

func TestRun_NonzeroExitIsNotAnError(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "exit 7"},
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("expected exit 7, got %d", res.ExitCode)
	}
}

func TestRun_Stdin(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command: []string{"cat"},
		Stdin:   "hello stdin",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(res.Stdout, "hello stdin") {
		t.Errorf("expected stdin echoed, got %q", res.Stdout)
	}
}

func TestRun_Env(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo $RALPH_TEST_VAR"},
		Env:     map[string]string{"RALPH_TEST_VAR": "present"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "present" {
		t.Errorf("expected env var visible, got %q", res.Stdout)
	}
}

func TestRun_Dir(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), Spec{
		Command: []string{"pwd"},
		Dir:     dir,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Errorf("expected working dir %q, got %q", dir, res.Stdout)
	}
}

func TestRun_Timeout(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), Spec{
		Command:     []string{"sh", "-c", "echo before; sleep 30"},
		Timeout:     500 * time.Millisecond,
		GracePeriod: 500 * time.Millisecond,
	})

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut set")
	}
	if !strings.Contains(res.Stdout, "before") {
		t.Errorf("expected partial output preserved, got %q", res.Stdout)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("termination took too long: %v", elapsed)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, Spec{
		Command:     []string{"sleep", "30"},
		GracePeriod: 500 * time.Millisecond,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_SpawnError(t *testing.T) {
	_, err := Run(context.Background(), Spec{
		Command: []string{"definitely-not-a-real-binary-xyz"},
	})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
}

func TestRun_EmptyCommand(t *testing.T) {
	_, err := Run(context.Background(), Spec{})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError for empty command, got %v", err)
	}
}

func TestRun_OnLineStreaming(t *testing.T) {
	type tagged struct {
		stream Stream
		line   string
	}
	var mu sync.Mutex
	var got []tagged

	_, err := Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo a; echo b 1>&2; echo c"},
		OnLine: func(stream Stream, line string) {
			mu.Lock()
			got = append(got, tagged{stream, line})
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	counts := map[Stream]int{}
	for _, g := range got {
		counts[g.stream]++
	}
	if counts[StreamStdout] != 2 || counts[StreamStderr] != 1 {
		t.Errorf("unexpected line counts: %v", got)
	}
}

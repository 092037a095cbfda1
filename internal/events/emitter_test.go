package events

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events/bus"
	"github.com/ralphdev/ralph/internal/events/timeline"
)

type failingArchive struct {
	calls int
}

func (a *failingArchive) Insert(ctx context.Context, sessionID string, rec timeline.Record) error {
	a.calls++
	return errors.New("archive unavailable")
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

func newEmitter(t *testing.T, archive Archive) (*Emitter, bus.EventBus, string) {
	t.Helper()
	log := newTestLogger(t)
	path := filepath.Join(t.TempDir(), "timeline.jsonl")
	writer, err := timeline.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	t.Cleanup(func() { writer.Close() })

	b := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { b.Close() })

	return NewEmitter(b, writer, archive, "run-test", "test", log), b, path
}

func TestEmit_WritesTimelineBeforePublishing(t *testing.T) {
	em, b, path := newEmitter(t, nil)

	// The timeline must already hold the event when a subscriber sees it.
	var seenInLog bool
	if _, err := b.Subscribe("task.started", func(ctx context.Context, event *bus.Event) error {
		recs, err := timeline.Read(path)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.Event == "task.started" {
				seenInLog = true
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := em.Emit(context.Background(), "task.started", map[string]any{"task_id": "T-001"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if !seenInLog {
		t.Error("expected the timeline record to be durable before bus delivery")
	}
}

func TestEmit_RejectsUnknownKind(t *testing.T) {
	em, _, path := newEmitter(t, nil)

	if err := em.Emit(context.Background(), "made.up.kind", nil); err == nil {
		t.Fatal("expected error for unknown event kind")
	}

	recs, err := timeline.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("rejected events must not reach the timeline, got %d records", len(recs))
	}
}

func TestEmit_ArchiveFailureIsNonFatal(t *testing.T) {
	archive := &failingArchive{}
	em, _, path := newEmitter(t, archive)

	if err := em.Emit(context.Background(), "gate.pass", map[string]any{"gate": "build"}); err != nil {
		t.Fatalf("expected archive failure to degrade, got %v", err)
	}
	if archive.calls != 1 {
		t.Errorf("expected one archive attempt, got %d", archive.calls)
	}

	recs, err := timeline.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Event != "gate.pass" {
		t.Errorf("expected the timeline record regardless, got %v", recs)
	}
}

func TestEmit_OrderPreserved(t *testing.T) {
	em, b, path := newEmitter(t, nil)

	var delivered []string
	if _, err := b.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		delivered = append(delivered, event.Type)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	kinds := []string{"session.started", "task.started", "iteration.started", "iteration.ended", "task.completed", "session.ended"}
	for _, k := range kinds {
		if err := em.Emit(context.Background(), k, nil); err != nil {
			t.Fatalf("Emit %s failed: %v", k, err)
		}
	}

	recs, err := timeline.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(recs) != len(kinds) || len(delivered) != len(kinds) {
		t.Fatalf("expected %d records and deliveries, got %d and %d", len(kinds), len(recs), len(delivered))
	}
	for i, k := range kinds {
		if recs[i].Event != k {
			t.Errorf("timeline %d: expected %s, got %s", i, k, recs[i].Event)
		}
		if delivered[i] != k {
			t.Errorf("delivery %d: expected %s, got %s", i, k, delivered[i])
		}
	}
}

func TestKnown_ClosedSet(t *testing.T) {
	for _, kind := range Kinds() {
		if !Known(kind) {
			t.Errorf("Kinds() returned unknown kind %s", kind)
		}
	}
	if Known("definitely.not.an.event") {
		t.Error("expected unknown kind to be rejected")
	}
	if len(Kinds()) != 29 {
		t.Errorf("closed set size changed: %d", len(Kinds()))
	}
}

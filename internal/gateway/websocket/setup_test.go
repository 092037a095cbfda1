package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ralphdev/ralph/internal/events/timeline"
	ws "github.com/ralphdev/ralph/pkg/websocket"
)

// fakeHistory serves canned archive slices and records which query ran.
type fakeHistory struct {
	records []timeline.Record
	total   int
	err     error

	lastQuery string
}

func (f *fakeHistory) BySession(ctx context.Context, sessionID string) ([]timeline.Record, error) {
	f.lastQuery = "session"
	return f.records, f.err
}

func (f *fakeHistory) ByTask(ctx context.Context, sessionID, taskID string) ([]timeline.Record, error) {
	f.lastQuery = "task:" + taskID
	return f.records, f.err
}

func (f *fakeHistory) ByKind(ctx context.Context, sessionID, kind string) ([]timeline.Record, error) {
	f.lastQuery = "kind:" + kind
	return f.records, f.err
}

func (f *fakeHistory) Count(ctx context.Context, sessionID string) (int, error) {
	return f.total, f.err
}

func statusMessage(t *testing.T, payload any) *ws.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return &ws.Message{
		ID:      "req-1",
		Type:    ws.MessageTypeRequest,
		Action:  ws.ActionSessionStatus,
		Payload: data,
	}
}

type statusResponse struct {
	SessionID   string                          `json:"session_id"`
	TotalEvents int                             `json:"total_events"`
	Selected    int                             `json:"selected"`
	Tasks       map[string]*timeline.TaskReplay `json:"tasks"`
}

func TestAttachHistory_ReplaysSession(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeHistory{
		records: []timeline.Record{
			{TS: ts, Event: "task.started", Payload: map[string]any{"task_id": "T-001"}},
			{TS: ts, Event: "iteration.started", Payload: map[string]any{"task_id": "T-001", "iteration": 1}},
			{TS: ts.Add(time.Minute), Event: "task.completed", Payload: map[string]any{"task_id": "T-001"}},
		},
		total: 3,
	}
	g := NewGateway(newTestLogger(t))
	g.AttachHistory(src)

	resp, err := g.Dispatcher.Dispatch(context.Background(), statusMessage(t, map[string]any{"session_id": "run-1"}))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Type != ws.MessageTypeResponse || resp.ID != "req-1" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if src.lastQuery != "session" {
		t.Errorf("expected a full-session query, got %q", src.lastQuery)
	}

	var payload statusResponse
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.SessionID != "run-1" || payload.TotalEvents != 3 || payload.Selected != 3 {
		t.Errorf("unexpected payload: %+v", payload)
	}
	task := payload.Tasks["T-001"]
	if task == nil || !task.Passes || task.Iterations != 1 {
		t.Errorf("unexpected replayed task: %+v", task)
	}
}

func TestAttachHistory_TaskAndKindFilters(t *testing.T) {
	src := &fakeHistory{}
	g := NewGateway(newTestLogger(t))
	g.AttachHistory(src)

	if _, err := g.Dispatcher.Dispatch(context.Background(), statusMessage(t, map[string]any{
		"session_id": "run-1",
		"task_id":    "T-002",
	})); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if src.lastQuery != "task:T-002" {
		t.Errorf("expected the task filter, got %q", src.lastQuery)
	}

	if _, err := g.Dispatcher.Dispatch(context.Background(), statusMessage(t, map[string]any{
		"session_id": "run-1",
		"kind":       "gate.pass",
	})); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if src.lastQuery != "kind:gate.pass" {
		t.Errorf("expected the kind filter, got %q", src.lastQuery)
	}
}

func TestAttachHistory_MissingSessionID(t *testing.T) {
	g := NewGateway(newTestLogger(t))
	g.AttachHistory(&fakeHistory{})

	resp, err := g.Dispatcher.Dispatch(context.Background(), statusMessage(t, map[string]any{}))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Type != ws.MessageTypeError {
		t.Fatalf("expected error message, got %s", resp.Type)
	}
	var payload ws.ErrorPayload
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.Code != ws.ErrorCodeValidation {
		t.Errorf("expected validation error, got %s", payload.Code)
	}
}

func TestAttachHistory_QueryFailure(t *testing.T) {
	g := NewGateway(newTestLogger(t))
	g.AttachHistory(&fakeHistory{err: errors.New("database is locked")})

	resp, err := g.Dispatcher.Dispatch(context.Background(), statusMessage(t, map[string]any{"session_id": "run-1"}))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	var payload ws.ErrorPayload
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.Code != ws.ErrorCodeInternalError {
		t.Errorf("expected internal error code, got %s", payload.Code)
	}
}

func TestHealthCheck_ListsActions(t *testing.T) {
	g := NewGateway(newTestLogger(t))
	g.AttachHistory(&fakeHistory{})

	resp, err := g.Dispatcher.Dispatch(context.Background(), &ws.Message{
		ID:     "req-1",
		Type:   ws.MessageTypeRequest,
		Action: ws.ActionHealthCheck,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	var payload struct {
		Status  string   `json:"status"`
		Actions []string `json:"actions"`
	}
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	found := false
	for _, a := range payload.Actions {
		if a == ws.ActionSessionStatus {
			found = true
		}
	}
	if !found {
		t.Errorf("expected session.status advertised, got %v", payload.Actions)
	}
}

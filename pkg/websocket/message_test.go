package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestNewNotification(t *testing.T) {
	msg, err := NewNotification("task.completed", map[string]any{"task_id": "T-001"})
	if err != nil {
		t.Fatalf("NewNotification failed: %v", err)
	}
	if msg.Type != MessageTypeNotification {
		t.Errorf("expected notification type, got %s", msg.Type)
	}
	if msg.Action != "task.completed" {
		t.Errorf("expected event kind as action, got %s", msg.Action)
	}
	if msg.ID != "" {
		t.Errorf("notifications carry no correlation id, got %q", msg.ID)
	}

	var payload map[string]any
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload["task_id"] != "T-001" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestNewResponse_Correlation(t *testing.T) {
	msg, err := NewResponse("req-1", ActionHealthCheck, map[string]any{"status": "ok"})
	if err != nil {
		t.Fatalf("NewResponse failed: %v", err)
	}
	if msg.ID != "req-1" || msg.Type != MessageTypeResponse {
		t.Errorf("unexpected response envelope: %+v", msg)
	}
}

func TestNewError_Payload(t *testing.T) {
	msg, err := NewError("req-1", "some.action", ErrorCodeValidation, "pattern is required", nil)
	if err != nil {
		t.Fatalf("NewError failed: %v", err)
	}
	var payload ErrorPayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.Code != ErrorCodeValidation || payload.Message != "pattern is required" {
		t.Errorf("unexpected error payload: %+v", payload)
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	msg, err := NewNotification("gate.pass", map[string]any{"gate": "build"})
	if err != nil {
		t.Fatalf("NewNotification failed: %v", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.Action != "gate.pass" || back.Type != MessageTypeNotification {
		t.Errorf("unexpected round-trip: %+v", back)
	}
}

func TestDispatcher_RoutesByAction(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionHealthCheck, func(ctx context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, msg.Action, map[string]any{"status": "ok"})
	})

	actions := d.Actions()
	if len(actions) != 1 || actions[0] != ActionHealthCheck {
		t.Errorf("expected registered action listed, got %v", actions)
	}

	resp, err := d.Dispatch(context.Background(), &Message{ID: "req-1", Action: ActionHealthCheck})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.ID != "req-1" || resp.Type != MessageTypeResponse {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestDispatcher_UnknownAction(t *testing.T) {
	d := NewDispatcher()

	resp, err := d.Dispatch(context.Background(), &Message{ID: "req-1", Action: "nope"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Type != MessageTypeError {
		t.Fatalf("expected error message, got %s", resp.Type)
	}
	var payload ErrorPayload
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.Code != ErrorCodeUnknownAction {
		t.Errorf("expected unknown-action code, got %s", payload.Code)
	}
}

func TestDispatcher_HandlerErrorPropagates(t *testing.T) {
	d := NewDispatcher()
	wantErr := errors.New("backend down")
	d.RegisterFunc("failing.action", func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, wantErr
	})

	_, err := d.Dispatch(context.Background(), &Message{Action: "failing.action"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

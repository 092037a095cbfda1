package signal

import (
	"errors"
	"testing"
)

const token = "a1b2c3d4e5f60718"

func TestParse_Basic(t *testing.T) {
	output := "some agent chatter\n<task-done session=\"" + token + "\">implemented the parser</task-done>\ntrailing text"

	sig, err := Parse(output, TaskDone, token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sig.Kind != TaskDone {
		t.Errorf("expected kind %s, got %s", TaskDone, sig.Kind)
	}
	if sig.Content != "implemented the parser" {
		t.Errorf("unexpected content: %q", sig.Content)
	}
}

func TestParse_NoSignal(t *testing.T) {
	_, err := Parse("the agent rambled and never emitted a marker", TaskDone, token)
	if !errors.Is(err, ErrNoSignal) {
		t.Fatalf("expected ErrNoSignal, got %v", err)
	}
}

func TestParse_InvalidToken(t *testing.T) {
	output := `<task-done session="wrong-token">done</task-done>`
	_, err := Parse(output, TaskDone, token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParse_LastMatchWins(t *testing.T) {
	output := `<task-done session="` + token + `">first attempt</task-done>
more work happened
<task-done session="` + token + `">final answer</task-done>`

	sig, err := Parse(output, TaskDone, token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sig.Content != "final answer" {
		t.Errorf("expected last marker to win, got %q", sig.Content)
	}
}

func TestParse_LastMatchInvalidToken(t *testing.T) {
	// The last marker decides validity even when an earlier one is good.
	output := `<task-done session="` + token + `">good</task-done>
<task-done session="stale">bad</task-done>`

	_, err := Parse(output, TaskDone, token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParse_OtherKindsIgnored(t *testing.T) {
	output := `<tests-done session="` + token + `">wrong phase</tests-done>`
	_, err := Parse(output, TaskDone, token)
	if !errors.Is(err, ErrNoSignal) {
		t.Fatalf("expected ErrNoSignal for a marker of a different kind, got %v", err)
	}
}

func TestParse_MultilineBody(t *testing.T) {
	output := "<fix-done session=\"" + token + "\">line one\nline two\nline three</fix-done>"
	sig, err := Parse(output, FixDone, token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sig.Content != "line one\nline two\nline three" {
		t.Errorf("unexpected content: %q", sig.Content)
	}
}

func TestParse_EmptyBody(t *testing.T) {
	output := `<tests-done session="` + token + `"></tests-done>`
	sig, err := Parse(output, TestsDone, token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sig.Content != "" {
		t.Errorf("expected empty content, got %q", sig.Content)
	}
}

func TestParseReview_Approved(t *testing.T) {
	output := `<review-approved session="` + token + `"></review-approved>`
	sig, err := ParseReview(output, token)
	if err != nil {
		t.Fatalf("ParseReview failed: %v", err)
	}
	if sig.Kind != ReviewApproved {
		t.Errorf("expected %s, got %s", ReviewApproved, sig.Kind)
	}
}

func TestParseReview_RejectedWithFeedback(t *testing.T) {
	output := `<review-rejected session="` + token + `">missing error handling in the loader</review-rejected>`
	sig, err := ParseReview(output, token)
	if err != nil {
		t.Fatalf("ParseReview failed: %v", err)
	}
	if sig.Kind != ReviewRejected {
		t.Errorf("expected %s, got %s", ReviewRejected, sig.Kind)
	}
	if sig.Content != "missing error handling in the loader" {
		t.Errorf("unexpected content: %q", sig.Content)
	}
}

func TestParseReview_LaterVerdictWins(t *testing.T) {
	output := `<review-rejected session="` + token + `">needs work</review-rejected>
after reconsidering the diff:
<review-approved session="` + token + `"></review-approved>`

	sig, err := ParseReview(output, token)
	if err != nil {
		t.Fatalf("ParseReview failed: %v", err)
	}
	if sig.Kind != ReviewApproved {
		t.Errorf("expected later verdict to win, got %s", sig.Kind)
	}
}

func TestParseReview_LaterVerdictWinsReversed(t *testing.T) {
	output := `<review-approved session="` + token + `"></review-approved>
<review-rejected session="` + token + `">actually no</review-rejected>`

	sig, err := ParseReview(output, token)
	if err != nil {
		t.Fatalf("ParseReview failed: %v", err)
	}
	if sig.Kind != ReviewRejected {
		t.Errorf("expected later verdict to win, got %s", sig.Kind)
	}
	if sig.Content != "actually no" {
		t.Errorf("unexpected content: %q", sig.Content)
	}
}

func TestParseReview_EmptyRejectionIsValid(t *testing.T) {
	output := `<review-rejected session="` + token + `"></review-rejected>`
	sig, err := ParseReview(output, token)
	if err != nil {
		t.Fatalf("ParseReview failed: %v", err)
	}
	if sig.Kind != ReviewRejected || sig.Content != "" {
		t.Errorf("expected empty rejection, got kind=%s content=%q", sig.Kind, sig.Content)
	}
}

func TestParseReview_NoVerdict(t *testing.T) {
	_, err := ParseReview("the reviewer never decided", token)
	if !errors.Is(err, ErrNoSignal) {
		t.Fatalf("expected ErrNoSignal, got %v", err)
	}
}

func TestReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrNoSignal, "no_signal"},
		{ErrInvalidToken, "invalid_token"},
		{errors.New("boom"), "parse_error"},
	}
	for _, tc := range cases {
		if got := Reason(tc.err); got != tc.want {
			t.Errorf("Reason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

// Package session owns the run session artifacts: token issuance and
// the checksum-protected task status store.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Session is the per-run identity triple plus run metadata. It is
// persisted once at run start and read-only thereafter.
type Session struct {
	SessionID    string    `json:"session_id"`
	SessionToken string    `json:"session_token"`
	StartedAt    time.Time `json:"started_at"`
	TaskSource   string    `json:"task_source"`
	GitBranch    string    `json:"git_branch,omitempty"`
	GitCommit    string    `json:"git_commit,omitempty"`
	Status       string    `json:"status"`
}

// Session status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// TaskState is the per-task slice of the status artifact.
type TaskState struct {
	Passes      bool   `json:"passes"`
	Iterations  int    `json:"iterations,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	LastFailure string `json:"last_failure,omitempty"`
}

// Status is the task status artifact. The checksum field covers the
// tasks mapping; the sibling digest artifact covers the whole canonical
// serialization.
type Status struct {
	Checksum    string                `json:"checksum"`
	LastUpdated string                `json:"last_updated"`
	Tasks       map[string]*TaskState `json:"tasks"`
}

// NewToken issues the per-run anti-replay nonce: a 128-bit random hex
// suffix. The token is opaque to agents and required verbatim on every
// completion signal.
func NewToken(now time.Time) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return fmt.Sprintf("ralph-%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(buf)), nil
}

// NewSessionID issues a human-sortable session identifier.
func NewSessionID(now time.Time) (string, error) {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(buf)), nil
}

package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
)

const (
	sessionFile = "session.json"
	// statusFile and digestFile live at the state-dir root, not inside a
	// session directory: the artifact spans runs, so a fresh run still
	// verifies what the previous run (or anything since) left behind.
	statusFile = "task-status.json"
	digestFile = "task-status.json.sha256"
	// TimelineFile is the JSONL event log inside the session directory.
	TimelineFile = "timeline.jsonl"
	// ArchiveFile is the sqlite event archive inside the state directory.
	ArchiveFile = "events.db"
)

// Store owns the session and task-status artifacts on disk. All status
// access is serialized through a single mutex so guardrail reverts and
// status writes cannot interleave.
type Store struct {
	stateDir string
	session  *Session
	dir      string // session directory, set on Create or Open
	logger   *logger.Logger
	mu       sync.Mutex

	currentTask string
}

// NewStore creates a store rooted at stateDir.
func NewStore(stateDir string, log *logger.Logger) *Store {
	return &Store{stateDir: stateDir, logger: log}
}

// Create issues a new session and persists its metadata. The task
// status artifact is initialized only when absent; an existing one is
// left untouched so its integrity check still covers the gap between
// runs. Verification happens on the first LoadStatus, not here.
func (s *Store) Create(meta Session) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	id, err := NewSessionID(now)
	if err != nil {
		return nil, err
	}
	token, err := NewToken(now)
	if err != nil {
		return nil, err
	}

	sess := meta
	sess.SessionID = id
	sess.SessionToken = token
	sess.StartedAt = now.UTC()
	sess.Status = StatusRunning

	dir := filepath.Join(s.stateDir, "sessions", id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(&sess, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(filepath.Join(dir, sessionFile), append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	s.session = &sess
	s.dir = dir

	if _, err := os.Stat(s.statusPath()); os.IsNotExist(err) {
		if werr := s.writeStatusLocked(&Status{Tasks: map[string]*TaskState{}}); werr != nil {
			return nil, werr
		}
	}

	s.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("session_dir", dir))
	return &sess, nil
}

// Open attaches to an existing session directory (resume).
func (s *Store) Open(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.stateDir, "sessions", sessionID)
	data, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session metadata: %w", err)
	}
	s.session = &sess
	s.dir = dir
	return &sess, nil
}

// Session returns the active session.
func (s *Store) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Dir returns the active session directory.
func (s *Store) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// TimelinePath returns the JSONL timeline path for the active session.
func (s *Store) TimelinePath() string {
	return filepath.Join(s.Dir(), TimelineFile)
}

// ArchivePath returns the sqlite archive path shared across sessions.
func (s *Store) ArchivePath() string {
	return filepath.Join(s.stateDir, ArchiveFile)
}

// SetCurrentTask records which task the loop is driving.
func (s *Store) SetCurrentTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTask = taskID
}

// CurrentTask returns the task the loop is driving.
func (s *Store) CurrentTask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTask
}

// LoadStatus reads and verifies the task status artifact. A digest
// mismatch fails closed with a tampering error.
func (s *Store) LoadStatus() (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadStatusLocked()
}

func (s *Store) statusPath() string {
	return filepath.Join(s.stateDir, statusFile)
}

func (s *Store) loadStatusLocked() (*Status, error) {
	statusPath := s.statusPath()
	data, err := os.ReadFile(statusPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read task status: %w", err)
	}

	digestData, err := os.ReadFile(filepath.Join(s.stateDir, digestFile))
	if err != nil {
		return nil, errors.TamperingDetected(statusPath)
	}

	want := strings.TrimSpace(string(digestData))
	want = strings.TrimPrefix(want, "sha256:")
	got := sha256Hex(data)
	if got != want {
		s.logger.Error("task status digest mismatch",
			zap.String("expected", want),
			zap.String("actual", got))
		return nil, errors.TamperingDetected(statusPath)
	}

	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, errors.TamperingDetected(statusPath)
	}
	if status.Tasks == nil {
		status.Tasks = map[string]*TaskState{}
	}
	return &status, nil
}

// writeStatusLocked canonically serializes the status, then writes the
// data file and its digest in that order, each via temp-and-rename. A
// crash between the two leaves a state the next read flags as
// tampering, which is the intended fail-closed behavior.
func (s *Store) writeStatusLocked(status *Status) error {
	status.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	status.Checksum = tasksChecksum(status.Tasks)

	data, err := canonicalJSON(status)
	if err != nil {
		return fmt.Errorf("failed to serialize task status: %w", err)
	}
	if err := atomicWrite(s.statusPath(), data); err != nil {
		return fmt.Errorf("failed to write task status: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.stateDir, digestFile), []byte(sha256Hex(data))); err != nil {
		return fmt.Errorf("failed to write status digest: %w", err)
	}
	return nil
}

// Mutate applies fn to a verified in-memory copy of the status, then
// persists data and digest in one logical step.
func (s *Store) Mutate(fn func(*Status)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.loadStatusLocked()
	if err != nil {
		return err
	}
	fn(status)
	return s.writeStatusLocked(status)
}

// MarkTaskStarted records the first time the loop picks up a task.
func (s *Store) MarkTaskStarted(taskID string) error {
	return s.Mutate(func(st *Status) {
		ts := ensureTask(st, taskID)
		if ts.StartedAt == "" {
			ts.StartedAt = time.Now().UTC().Format(time.RFC3339)
		}
	})
}

// IncrementIterations bumps the task's iteration counter and returns
// the new value.
func (s *Store) IncrementIterations(taskID string) (int, error) {
	var n int
	err := s.Mutate(func(st *Status) {
		ts := ensureTask(st, taskID)
		ts.Iterations++
		n = ts.Iterations
	})
	return n, err
}

// RecordFailure stores the most recent failure reason for a task.
func (s *Store) RecordFailure(taskID, reason string) error {
	return s.Mutate(func(st *Status) {
		ensureTask(st, taskID).LastFailure = reason
	})
}

// MarkTaskPassed flips passes to true. Only the run coordinator calls
// this, after a full successful phase sequence.
func (s *Store) MarkTaskPassed(taskID string) error {
	return s.Mutate(func(st *Status) {
		ts := ensureTask(st, taskID)
		ts.Passes = true
		ts.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		ts.LastFailure = ""
	})
}

// Finish rewrites the session metadata with its terminal status.
func (s *Store) Finish(status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return fmt.Errorf("no active session")
	}
	s.session.Status = status
	data, err := json.MarshalIndent(s.session, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.dir, sessionFile), append(data, '\n'))
}

func ensureTask(st *Status, taskID string) *TaskState {
	ts, ok := st.Tasks[taskID]
	if !ok {
		ts = &TaskState{}
		st.Tasks[taskID] = ts
	}
	return ts
}

// canonicalJSON produces the deterministic serialization the digest is
// computed over: sorted keys, two-space indent, trailing newline.
func canonicalJSON(v any) ([]byte, error) {
	// encoding/json sorts map keys; struct fields keep declaration
	// order, which is fixed for a given binary.
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// tasksChecksum covers just the tasks mapping, so external viewers can
// verify the interesting part without the envelope.
func tasksChecksum(tasks map[string]*TaskState) string {
	data, err := json.Marshal(tasks)
	if err != nil {
		return ""
	}
	return sha256Hex(data)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// atomicWrite stages content to a temp sibling then renames it over the
// target.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

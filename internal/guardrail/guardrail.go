// Package guardrail restricts the test-writing agent's writes to an
// allow-list by snapshotting the working tree and reverting anything
// outside it after the phase.
package guardrail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events"
)

// ChangeKind classifies a post-phase difference from the snapshot.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is one classified difference between two tree states.
type Change struct {
	Path string // slash-separated, relative to the repo root
	Kind ChangeKind
}

// Snapshot captures the file set of the working tree before an agent
// phase: content hashes for diffing plus a backup copy for reverts.
// It works without a live version-control system.
type Snapshot struct {
	root      string
	hashes    map[string]string // rel path -> sha256
	backupDir string
}

// Release removes the snapshot's backup copies.
func (s *Snapshot) Release() {
	if s.backupDir != "" {
		_ = os.RemoveAll(s.backupDir)
	}
}

// Report summarizes enforcement of one phase.
type Report struct {
	Allowed  []Change // changes that survived
	Reverted []Change // changes undone
}

// HasAllowedChanges reports whether any in-scope change survived the
// revert. A revert that leaves no declared test files is treated by the
// loop as a signal failure, not a silent success.
func (r *Report) HasAllowedChanges() bool {
	return len(r.Allowed) > 0
}

// Enforcer applies the allow-list policy to a repo root.
type Enforcer struct {
	root          string
	allow         []string
	allowExisting bool
	ignore        []string
	sink          events.Sink
	logger        *logger.Logger
}

// NewEnforcer creates an enforcer for the repo root. allowExisting
// permits modification of files that already matched the allow-list
// before the phase.
func NewEnforcer(root string, allow []string, allowExisting bool, sink events.Sink, log *logger.Logger) *Enforcer {
	return &Enforcer{
		root:          root,
		allow:         allow,
		allowExisting: allowExisting,
		ignore:        []string{".git", ".ralph", "node_modules"},
		sink:          sink,
		logger:        log.WithFields(zap.String("component", "guardrail")),
	}
}

// Snapshot records the current tree state, including backup copies so
// modified files can be restored byte-for-byte.
func (e *Enforcer) Snapshot() (*Snapshot, error) {
	backupDir, err := os.MkdirTemp("", "ralph-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	snap := &Snapshot{root: e.root, hashes: map[string]string{}, backupDir: backupDir}

	err = e.walk(func(rel, abs string) error {
		sum, err := hashFile(abs)
		if err != nil {
			return err
		}
		snap.hashes[rel] = sum

		dst := filepath.Join(backupDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		return copyFile(abs, dst)
	})
	if err != nil {
		snap.Release()
		return nil, fmt.Errorf("snapshot failed: %w", err)
	}
	return snap, nil
}

// Diff classifies the current tree against the snapshot.
func (e *Enforcer) Diff(snap *Snapshot) ([]Change, error) {
	current := map[string]string{}
	err := e.walk(func(rel, abs string) error {
		sum, err := hashFile(abs)
		if err != nil {
			return err
		}
		current[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("diff failed: %w", err)
	}

	var changes []Change
	for rel, sum := range current {
		prev, existed := snap.hashes[rel]
		switch {
		case !existed:
			changes = append(changes, Change{Path: rel, Kind: ChangeAdded})
		case prev != sum:
			changes = append(changes, Change{Path: rel, Kind: ChangeModified})
		}
	}
	for rel := range snap.hashes {
		if _, ok := current[rel]; !ok {
			changes = append(changes, Change{Path: rel, Kind: ChangeDeleted})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// Enforce diffs the tree against the snapshot and reverts every change
// outside the allow-list: added files are deleted, modified and deleted
// files are restored from the backup. Each revert emits a
// guardrail.revert event.
func (e *Enforcer) Enforce(ctx context.Context, snap *Snapshot) (*Report, error) {
	changes, err := e.Diff(snap)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, ch := range changes {
		if e.permitted(ch) {
			report.Allowed = append(report.Allowed, ch)
			continue
		}
		reason, err := e.revert(snap, ch)
		if err != nil {
			return nil, fmt.Errorf("failed to revert %s: %w", ch.Path, err)
		}
		report.Reverted = append(report.Reverted, ch)
		e.logger.Info("reverted out-of-scope change",
			zap.String("path", ch.Path),
			zap.String("kind", string(ch.Kind)))
		if e.sink != nil {
			_ = e.sink.Emit(ctx, events.GuardrailRevert, map[string]any{
				"path":   ch.Path,
				"kind":   string(ch.Kind),
				"reason": reason,
			})
		}
	}
	return report, nil
}

// permitted decides whether a change is within the test-writing agent's
// write policy.
func (e *Enforcer) permitted(ch Change) bool {
	if !e.matchAllow(ch.Path) {
		return false
	}
	if ch.Kind == ChangeAdded {
		return true
	}
	// Touching a pre-existing file, even inside the allow-list, is a
	// configuration decision.
	return e.allowExisting
}

func (e *Enforcer) revert(snap *Snapshot, ch Change) (string, error) {
	abs := filepath.Join(e.root, filepath.FromSlash(ch.Path))
	switch ch.Kind {
	case ChangeAdded:
		return "added outside allow-list", os.Remove(abs)
	case ChangeModified, ChangeDeleted:
		src := filepath.Join(snap.backupDir, filepath.FromSlash(ch.Path))
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return "", err
		}
		reason := "modified outside allow-list"
		if ch.Kind == ChangeDeleted {
			reason = "deleted outside allow-list"
		}
		return reason, copyFile(src, abs)
	}
	return "", fmt.Errorf("unknown change kind %q", ch.Kind)
}

func (e *Enforcer) matchAllow(rel string) bool {
	for _, pattern := range e.allow {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// walk visits every regular file under root, skipping ignored
// directories, with slash-separated relative paths.
func (e *Enforcer) walk(fn func(rel, abs string) error) error {
	return filepath.WalkDir(e.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(e.root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			for _, ig := range e.ignore {
				if rel == ig || strings.HasPrefix(rel, ig+"/") {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return fn(rel, path)
	})
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Package signal extracts tagged completion signals from agent output
// and validates their session-token binding.
package signal

import (
	"errors"
	"fmt"
	"regexp"
)

// Signal kinds agents may emit.
const (
	TaskDone       = "task-done"
	TestsDone      = "tests-done"
	ReviewApproved = "review-approved"
	ReviewRejected = "review-rejected"
	FixDone        = "fix-done"
	UIPlan         = "ui-plan"
	UIFixDone      = "ui-fix-done"
)

// Signal is one parsed completion marker.
type Signal struct {
	Kind         string
	SessionToken string
	Content      string
}

// ErrNoSignal indicates the expected marker was absent from the output.
var ErrNoSignal = errors.New("no completion signal found")

// ErrInvalidToken indicates a marker whose session attribute does not
// match the active session token.
var ErrInvalidToken = errors.New("completion signal has invalid session token")

// Reason returns the rejection reason string recorded on
// signal.rejected events for a parse error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrNoSignal):
		return "no_signal"
	default:
		return "parse_error"
	}
}

type match struct {
	kind    string
	token   string
	content string
	offset  int
}

// markerPattern builds the regex for one signal kind. The body may span
// lines; attributes beyond session are not permitted.
func markerPattern(kind string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(kind)
	return regexp.MustCompile(`(?s)<` + quoted + ` session="([^"]*)">(.*?)</` + quoted + `>`)
}

func findAll(output, kind string) []match {
	var out []match
	for _, m := range markerPattern(kind).FindAllStringSubmatchIndex(output, -1) {
		out = append(out, match{
			kind:    kind,
			token:   output[m[2]:m[3]],
			content: output[m[4]:m[5]],
			offset:  m[0],
		})
	}
	return out
}

// Parse extracts the expected signal kind from output. If several
// markers of the same kind are present, the last one wins. Markers of
// other kinds are ignored; only the signal expected for the current
// phase counts.
func Parse(output, kind, token string) (*Signal, error) {
	matches := findAll(output, kind)
	if len(matches) == 0 {
		return nil, ErrNoSignal
	}
	last := matches[len(matches)-1]
	if last.token != token {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidToken, last.token)
	}
	return &Signal{Kind: kind, SessionToken: last.token, Content: last.content}, nil
}

// ParseReview extracts the review verdict. Both review-approved and
// review-rejected are valid terminal outcomes; when both appear, the
// one occurring last in the output wins. An approved signal with an
// empty body is valid; so is an empty-body rejection (no-op feedback).
func ParseReview(output, token string) (*Signal, error) {
	var all []match
	all = append(all, findAll(output, ReviewApproved)...)
	all = append(all, findAll(output, ReviewRejected)...)
	if len(all) == 0 {
		return nil, ErrNoSignal
	}

	last := all[0]
	for _, m := range all[1:] {
		if m.offset > last.offset {
			last = m
		}
	}
	if last.token != token {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidToken, last.token)
	}
	return &Signal{Kind: last.kind, SessionToken: last.token, Content: last.content}, nil
}

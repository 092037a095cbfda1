// Package prompt assembles role-specific agent prompts. Building a
// prompt is a pure function of its inputs, so identical task state and
// feedback always produce identical prompt text.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ralphdev/ralph/internal/signal"
	"github.com/ralphdev/ralph/internal/task"
)

// Role selects a prompt template and its required completion signal.
type Role string

const (
	RoleImplementation Role = "implementation"
	RoleTestWriting    Role = "test-writing"
	RoleReview         Role = "review"
	RoleFix            Role = "fix"
	RolePlanning       Role = "planning"
	RoleUIFix          Role = "ui-fix"
)

// SignalKind returns the completion signal each role must emit. Review
// is special-cased by the caller: either verdict kind is terminal.
func SignalKind(role Role) string {
	switch role {
	case RoleImplementation:
		return signal.TaskDone
	case RoleTestWriting:
		return signal.TestsDone
	case RoleReview:
		return signal.ReviewApproved
	case RoleFix:
		return signal.FixDone
	case RolePlanning:
		return signal.UIPlan
	case RoleUIFix:
		return signal.UIFixDone
	}
	return ""
}

// GateFailure carries the failing gate's identity and output into a fix
// prompt.
type GateFailure struct {
	Name       string
	Command    string
	OutputTail string
}

// Input is everything a prompt can depend on.
type Input struct {
	Role         Role
	Task         *task.Task
	SessionToken string
	Feedback     []string     // accumulated from prior iterations, oldest first
	AllowPaths   []string     // test-writing allow-list
	Failure      *GateFailure // fix only
	Guidance     string       // optional extra operator guidance
}

const signalInstruction = `When you are completely finished, emit exactly one completion marker on its own line:

  <%s session="%s">%s</%s>

The session attribute must be the exact token shown above. Output without a valid marker is treated as an incomplete attempt.`

const implementationDirectives = `You are the implementation agent. Implement the task below so that every acceptance criterion is satisfied. You may create and modify any file in the repository. Do not write tests in this phase; a separate agent handles them.`

const testWritingDirectives = `You are the test-writing agent. Write automated tests that verify the acceptance criteria below. You may only create files matching the allowed paths:

%s

Writes outside these paths will be reverted after you finish. In the marker body, list the test files you created.`

const reviewDirectives = `You are the review agent. Review the repository state against the task below. Do NOT modify any file. If the implementation and tests satisfy every acceptance criterion, emit the approval marker; otherwise emit the rejection marker with your specific objections in the body:

  <review-approved session="%s"></review-approved>
  <review-rejected session="%s">your objections here</review-rejected>

Emit exactly one of the two.`

const fixDirectives = `You are the fix agent. A quality gate failed. Make the minimal change that makes the gate pass without regressing the task's acceptance criteria.

Failing gate: %s
Command: %s
Output (tail):
%s`

const planningDirectives = `You are the UI planning agent. Inspect the running application and produce a concrete verification plan: the pages to open, the interactions to perform, and the observable outcomes that prove the task works. Put the plan in the marker body.`

const uiFixDirectives = `You are the UI fix agent. A UI verification step failed. Diagnose and fix it, then describe what you changed in the marker body.`

// Build renders the prompt for one agent invocation.
func Build(in Input) (string, error) {
	if in.Task == nil {
		return "", fmt.Errorf("prompt: task is required")
	}
	if in.SessionToken == "" {
		return "", fmt.Errorf("prompt: session token is required")
	}

	var b strings.Builder

	switch in.Role {
	case RoleImplementation:
		b.WriteString(implementationDirectives)
	case RoleTestWriting:
		b.WriteString(fmt.Sprintf(testWritingDirectives, bulleted(in.AllowPaths)))
	case RoleReview:
		b.WriteString(fmt.Sprintf(reviewDirectives, in.SessionToken, in.SessionToken))
	case RoleFix:
		if in.Failure == nil {
			return "", fmt.Errorf("prompt: fix role requires a gate failure")
		}
		b.WriteString(fmt.Sprintf(fixDirectives, in.Failure.Name, in.Failure.Command, in.Failure.OutputTail))
	case RolePlanning:
		b.WriteString(planningDirectives)
	case RoleUIFix:
		b.WriteString(uiFixDirectives)
	default:
		return "", fmt.Errorf("prompt: unknown role %q", in.Role)
	}

	b.WriteString("\n\n## Task\n\n")
	fmt.Fprintf(&b, "ID: %s\nTitle: %s\n", in.Task.ID, in.Task.Title)
	if in.Task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Task.Description)
	}
	b.WriteString("\nAcceptance criteria:\n")
	b.WriteString(bulleted(in.Task.AcceptanceCriteria))

	if len(in.Task.Subtasks) > 0 {
		b.WriteString("\nSubtasks:\n")
		for _, st := range in.Task.Subtasks {
			fmt.Fprintf(&b, "- %s: %s\n", st.ID, st.Title)
		}
	}

	if len(in.Feedback) > 0 {
		b.WriteString("\n## Feedback from previous iterations\n\n")
		for i, f := range in.Feedback {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(f))
		}
	}

	if in.Guidance != "" {
		b.WriteString("\n## Additional guidance\n\n")
		b.WriteString(strings.TrimSpace(in.Guidance))
		b.WriteString("\n")
	}

	kind := SignalKind(in.Role)
	if in.Role != RoleReview {
		body := "brief summary of what you did"
		b.WriteString("\n")
		fmt.Fprintf(&b, signalInstruction, kind, in.SessionToken, body, kind)
		b.WriteString("\n")
	} else {
		b.WriteString("\nThe session attribute must be the exact token: " + in.SessionToken + "\n")
	}

	return b.String(), nil
}

func bulleted(items []string) string {
	if len(items) == 0 {
		return "- (none)\n"
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteByte('\n')
	}
	return b.String()
}

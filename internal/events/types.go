// Package events defines the closed set of timeline event kinds and the
// emitter that fans events out to the JSONL timeline, the archive, and
// the event bus.
package events

// Session lifecycle events.
const (
	SessionStarted = "session.started"
	SessionEnded   = "session.ended"
)

// Task lifecycle events.
const (
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
)

// Agent invocation events.
const (
	AgentStarted   = "agent.started"
	AgentOutput    = "agent.output" // streaming line
	AgentCompleted = "agent.completed"
	AgentFailed    = "agent.failed"
)

// Completion signal events.
const (
	SignalAccepted = "signal.accepted"
	SignalRejected = "signal.rejected"
)

// Guardrail events.
const (
	GuardrailRevert = "guardrail.revert"
)

// Gate runner events.
const (
	GatesStarted   = "gates.started"
	GatePass       = "gate.pass"
	GateFail       = "gate.fail"
	GatesCompleted = "gates.completed"
)

// Service lifecycle events (post-completion verification).
const (
	ServiceStarting = "service.starting"
	ServiceReady    = "service.ready"
	ServiceFailed   = "service.failed"
)

// UI verification events.
const (
	UITestStarted = "ui-test.started"
	UITestPass    = "ui-test.pass"
	UITestFail    = "ui-test.fail"
)

// Fix loop events.
const (
	FixLoopStarted   = "fix-loop.started"
	FixLoopIteration = "fix-loop.iteration"
	FixLoopEnded     = "fix-loop.ended"
)

// Integrity events.
const (
	ChecksumVerified = "checksum.verified"
	ChecksumFailed   = "checksum.failed"
)

// Iteration events.
const (
	IterationStarted = "iteration.started"
	IterationEnded   = "iteration.ended"
)

var knownKinds = map[string]bool{
	SessionStarted: true, SessionEnded: true,
	TaskStarted: true, TaskCompleted: true, TaskFailed: true,
	AgentStarted: true, AgentOutput: true, AgentCompleted: true, AgentFailed: true,
	SignalAccepted: true, SignalRejected: true,
	GuardrailRevert: true,
	GatesStarted:    true, GatePass: true, GateFail: true, GatesCompleted: true,
	ServiceStarting: true, ServiceReady: true, ServiceFailed: true,
	UITestStarted: true, UITestPass: true, UITestFail: true,
	FixLoopStarted: true, FixLoopIteration: true, FixLoopEnded: true,
	ChecksumVerified: true, ChecksumFailed: true,
	IterationStarted: true, IterationEnded: true,
}

// Known reports whether kind belongs to the closed event set.
func Known(kind string) bool {
	return knownKinds[kind]
}

// Kinds returns the closed event set. The returned slice is a copy.
func Kinds() []string {
	out := make([]string, 0, len(knownKinds))
	for k := range knownKinds {
		out = append(out, k)
	}
	return out
}

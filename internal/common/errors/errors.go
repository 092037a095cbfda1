// Package errors provides the orchestrator error taxonomy and the
// stable process exit-code contract.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Stable exit codes. These are a contract with calling scripts and CI;
// do not renumber.
const (
	ExitOK             = 0
	ExitConfigError    = 2
	ExitTaskFailed     = 3
	ExitGateFailure    = 4
	ExitUIVerification = 5
	ExitTampering      = 6
	ExitUserAbort      = 7
	ExitToolMissing    = 8
	ExitServiceFailure = 9
)

// Error codes as constants.
const (
	CodeConfig    = "CONFIG_ERROR"
	CodeTask      = "TASK_FAILED"
	CodeGate      = "GATE_FAILURE"
	CodeUIVerify  = "UI_VERIFICATION_FAILED"
	CodeTampering = "TAMPERING_DETECTED"
	CodeAborted   = "ABORTED"
	CodeTool      = "TOOL_MISSING"
	CodeService   = "SERVICE_FAILURE"
	CodeInternal  = "INTERNAL_ERROR"
)

// OrchestratorError carries an error code and the process exit code the
// run should terminate with.
type OrchestratorError struct {
	Code     string
	Message  string
	Reason   string // terse machine-matchable cause for event payloads
	ExitCode int
	Err      error
}

// Error implements the error interface.
func (e *OrchestratorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// ConfigError reports an invalid or unreadable configuration. No
// session is created when this surfaces.
func ConfigError(message string, err error) *OrchestratorError {
	return &OrchestratorError{Code: CodeConfig, Message: message, ExitCode: ExitConfigError, Err: err}
}

// TaskFailed reports a task that exhausted its iteration budget or hit
// an unrecoverable phase error. reason is a terse snake_case token,
// e.g. "max_iterations".
func TaskFailed(taskID, reason string) *OrchestratorError {
	return &OrchestratorError{
		Code:     CodeTask,
		Message:  fmt.Sprintf("task %s failed: %s", taskID, reason),
		Reason:   reason,
		ExitCode: ExitTaskFailed,
	}
}

// GateFailure reports a fatal gate failure during verify.
func GateFailure(gate string) *OrchestratorError {
	return &OrchestratorError{
		Code:     CodeGate,
		Message:  fmt.Sprintf("fatal gate %q failed", gate),
		ExitCode: ExitGateFailure,
	}
}

// UIVerificationFailed reports a post-completion UI check failure.
func UIVerificationFailed(message string) *OrchestratorError {
	return &OrchestratorError{Code: CodeUIVerify, Message: message, ExitCode: ExitUIVerification}
}

// TamperingDetected reports an integrity digest mismatch on the task
// status artifact. Fail-closed: the run aborts immediately.
func TamperingDetected(path string) *OrchestratorError {
	return &OrchestratorError{
		Code:     CodeTampering,
		Message:  fmt.Sprintf("integrity digest mismatch for %s", path),
		Reason:   "tampering_detected",
		ExitCode: ExitTampering,
	}
}

// Aborted reports cooperative user cancellation.
func Aborted() *OrchestratorError {
	return &OrchestratorError{Code: CodeAborted, Message: "run aborted by user", Reason: "aborted", ExitCode: ExitUserAbort}
}

// ToolMissing reports a required external tool that is not available.
func ToolMissing(tool string) *OrchestratorError {
	return &OrchestratorError{
		Code:     CodeTool,
		Message:  fmt.Sprintf("required tool %q not found", tool),
		ExitCode: ExitToolMissing,
	}
}

// ServiceFailure reports a service that did not become ready within its
// startup timeout.
func ServiceFailure(service string, err error) *OrchestratorError {
	return &OrchestratorError{
		Code:     CodeService,
		Message:  fmt.Sprintf("service %q failed to start", service),
		ExitCode: ExitServiceFailure,
		Err:      err,
	}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *OrchestratorError {
	return &OrchestratorError{Code: CodeInternal, Message: message, ExitCode: 1, Err: err}
}

// IsTampering checks whether the error is a tampering error.
func IsTampering(err error) bool {
	var oe *OrchestratorError
	return errors.As(err, &oe) && oe.Code == CodeTampering
}

// IsAborted checks whether the error is a user abort.
func IsAborted(err error) bool {
	var oe *OrchestratorError
	return errors.As(err, &oe) && oe.Code == CodeAborted
}

// FailureReason returns the terse machine-matchable cause of an error
// for event payloads: the explicit reason when the constructor set one,
// otherwise the lowercased error code.
func FailureReason(err error) string {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		if oe.Reason != "" {
			return oe.Reason
		}
		return strings.ToLower(oe.Code)
	}
	return "internal_error"
}

// ExitCodeFor maps any error to the process exit code contract.
// A nil error maps to 0; unrecognized errors map to 1.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.ExitCode
	}
	return 1
}

package exec

import "fmt"

// Stable error codes surfaced by the scheduler.
const (
	CodeFlowNotFound              = "FLOW_NOT_FOUND"
	CodeFlowValidationFailed      = "FLOW_VALIDATION_FAILED"
	CodeFlowInUse                 = "FLOW_IN_USE"
	CodeExecutionNotFound         = "EXECUTION_NOT_FOUND"
	CodeStepTimeout               = "STEP_TIMEOUT"
	CodeCheckpointIntegrityFailed = "CHECKPOINT_INTEGRITY_FAILED"
	CodeQueueFull                 = "QUEUE_FULL"
	CodeInternal                  = "INTERNAL"
)

// Error is the scheduler's structured error: a stable machine-readable
// code, a human-readable message, and the correlation id tying the
// incident to the event log. Raw internals never cross this boundary.
type Error struct {
	Code          string
	Message       string
	CorrelationID string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation %s)", e.Code, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code, so callers can branch with errors.Is on a
// template like &Error{Code: CodeFlowInUse}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func errCode(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

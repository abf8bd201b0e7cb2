package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation reports a programming error such as a non-function
	// tool call reaching the function tool path. It is never retried.
	ErrContractViolation = errors.New("tool contract violation")
	// ErrCanceled matches every *CanceledError.
	ErrCanceled = errors.New("tool call canceled")
	// ErrExpired reports that the required action deadline elapsed before an
	// output was submitted.
	ErrExpired = errors.New("required action expired")
	// ErrNotAwaiting is returned by SubmitToolOutputs when the run does not
	// wait on the given tool call.
	ErrNotAwaiting = errors.New("tool call is not awaiting output")
	// ErrInvalidArguments reports function call arguments rejected by the
	// function's parameters schema.
	ErrInvalidArguments = errors.New("invalid tool call arguments")
	// ErrNoTool reports a tool call whose type has no registered Tool.
	ErrNoTool = errors.New("no tool registered for tool call type")
	// ErrRunCancelled is the cancellation cause used when a run is cancelled
	// through CancelRun.
	ErrRunCancelled = errors.New("run cancelled")
)

type (
	// CanceledError reports a suspended tool call abandoned because its
	// context was cancelled. The tool call stays pending and the run keeps its
	// required action.
	CanceledError struct {
		RunID      string
		ToolCallID string
		// Cause is the cancellation cause of the context (context.Cause).
		Cause error
	}

	// NotAwaitingError details why a submission was rejected.
	NotAwaitingError struct {
		RunID      string
		ToolCallID string
		Reason     string
	}
)

func (e *CanceledError) Error() string {
	return fmt.Sprintf("tool call %s of run %s canceled: %v", e.ToolCallID, e.RunID, e.Cause)
}

// Is makes errors.Is(err, ErrCanceled) hold.
func (e *CanceledError) Is(target error) bool { return target == ErrCanceled }

// Unwrap exposes the cancellation cause.
func (e *CanceledError) Unwrap() error { return e.Cause }

func (e *NotAwaitingError) Error() string {
	return fmt.Sprintf("run %s: tool call %s is not awaiting output: %s", e.RunID, e.ToolCallID, e.Reason)
}

// Is makes errors.Is(err, ErrNotAwaiting) hold.
func (e *NotAwaitingError) Is(target error) bool { return target == ErrNotAwaiting }

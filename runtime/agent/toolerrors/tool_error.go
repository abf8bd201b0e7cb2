// Package toolerrors provides the structured error reported when a tool call
// fails. ToolError identifies the call and keeps the underlying error so that
// callers can still match sentinels with errors.Is and errors.As.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError is a tool call failure.
type ToolError struct {
	// ToolCallID identifies the failed call.
	ToolCallID string
	// Tool is the name of the tool.
	Tool string
	// Message is the human-readable summary of the failure.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// New returns a ToolError without an underlying cause.
func New(toolCallID, tool, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{ToolCallID: toolCallID, Tool: tool, Message: message}
}

// Errorf is New with a formatted message.
func Errorf(toolCallID, tool, format string, args ...any) *ToolError {
	return New(toolCallID, tool, fmt.Sprintf(format, args...))
}

// Wrap attributes err to a tool call. It returns nil when err is nil and
// returns err unchanged when it already is a ToolError for the same call.
func Wrap(toolCallID, tool string, err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) && te.ToolCallID == toolCallID {
		return te
	}
	return &ToolError{ToolCallID: toolCallID, Tool: tool, Message: err.Error(), Cause: err}
}

// Error implements error.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Tool != "" && e.ToolCallID != "":
		return fmt.Sprintf("tool %s (%s): %s", e.Tool, e.ToolCallID, e.Message)
	case e.ToolCallID != "":
		return fmt.Sprintf("tool call %s: %s", e.ToolCallID, e.Message)
	default:
		return e.Message
	}
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

package run

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when no run exists for an ID.
	ErrNotFound = errors.New("run not found")
	// ErrAlreadyExists is returned by Store.Create for duplicate run IDs.
	ErrAlreadyExists = errors.New("run already exists")
	// ErrVersionConflict is returned by Store.Save when the stored version
	// differs from the version of the record being saved.
	ErrVersionConflict = errors.New("run version conflict")
	// ErrTerminal is returned when a transition targets a run in a terminal
	// status.
	ErrTerminal = errors.New("run is in a terminal status")
	// ErrInvalidTransition is returned when a transition is not allowed from
	// the run's current status or its guard does not hold.
	ErrInvalidTransition = errors.New("invalid run transition")
	// ErrToolCallNotFound is returned when a transition names an unknown call.
	ErrToolCallNotFound = errors.New("tool call not found")
	// ErrDuplicateToolCall is returned when a tool call ID is reused within a run.
	ErrDuplicateToolCall = errors.New("duplicate tool call")
	// ErrInvariant is returned by CheckInvariants.
	ErrInvariant = errors.New("run invariant violated")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	RunID  string
	From   Status
	Event  string
	Reason string
	err    error
}

// Error implements error.
func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("run %q: cannot %s from %s", e.RunID, e.Event, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap returns the sentinel describing the rejection class.
func (e *TransitionError) Unwrap() error {
	return e.err
}

func (r *Run) reject(event string, sentinel error, reason string) error {
	return &TransitionError{RunID: r.ID, From: r.Status, Event: event, Reason: reason, err: sentinel}
}

// Package stream carries the client-facing event stream of a run. Every
// lifecycle transition of a run is published as an Event on the run's stream;
// observers (SSE connections, tests, other services) consume the stream until
// they see the Done sentinel.
//
// A run stream is divided into delivery turns. Under the default
// TurnPolicyEndOnAction the runtime ends the current turn with a Done event
// right after announcing that tool outputs are required, and the execution
// that resumes after the outputs arrive publishes under the next turn number.
// Under TurnPolicyContinue a single turn spans the whole run.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Sink publishes run events to a transport. Implementations must be safe
	// for concurrent use.
	Sink interface {
		// Send publishes event. Errors are reported to the caller; the runtime
		// logs them and keeps executing since events are observational.
		Send(ctx context.Context, event Event) error
		// Close releases resources owned by the sink. It is idempotent.
		Close(ctx context.Context) error
	}

	// Subscriber opens observations of run streams.
	Subscriber interface {
		// Subscribe returns the events of runID published after the event
		// identified by afterID, or from the start of the stream when afterID
		// is empty. The events channel is closed once a Done event has been
		// delivered, when cancel is called, or when ctx is done. At most one
		// error is sent on the error channel before both channels close.
		Subscribe(ctx context.Context, runID, afterID string) (<-chan Event, <-chan error, context.CancelFunc, error)
	}

	// Event is one entry of a run stream.
	Event struct {
		// ID is the transport assigned identifier, usable as afterID to resume
		// an observation. Empty until the event has been stored.
		ID string `json:"id,omitempty"`
		// Type is the event name.
		Type EventType `json:"event"`
		// RunID identifies the run.
		RunID string `json:"run_id"`
		// Turn is the delivery turn the event belongs to, starting at 1.
		Turn int `json:"turn"`
		// Data is the serialized payload: the JSON encoding of the run for
		// lifecycle events and DoneData for the sentinel.
		Data string `json:"data"`
		// Timestamp records when the event was produced (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// EventType names a run stream event.
	EventType string

	// TurnPolicy selects when the Done sentinel is emitted.
	TurnPolicy int
)

const (
	// EventRunCreated is published once the run record exists.
	EventRunCreated EventType = "thread.run.created"
	// EventRunInProgress is published when the run starts or resumes.
	EventRunInProgress EventType = "thread.run.in_progress"
	// EventRunRequiresAction carries the run once a tool output is awaited.
	EventRunRequiresAction EventType = "thread.run.requires_action"
	// EventRunCompleted is published when the agent finished.
	EventRunCompleted EventType = "thread.run.completed"
	// EventRunFailed is published when the run failed.
	EventRunFailed EventType = "thread.run.failed"
	// EventRunCancelled is published when the run was cancelled.
	EventRunCancelled EventType = "thread.run.cancelled"
	// EventRunExpired is published when a required action timed out.
	EventRunExpired EventType = "thread.run.expired"
	// EventDone ends a delivery turn.
	EventDone EventType = "done"
)

// DoneData is the payload of the Done sentinel.
const DoneData = "[DONE]"

const (
	// TurnPolicyEndOnAction ends the delivery turn after each batch of
	// required actions is announced.
	TurnPolicyEndOnAction TurnPolicy = iota
	// TurnPolicyContinue keeps a single delivery turn until the run
	// terminates.
	TurnPolicyContinue
)

// NewEvent serializes payload as the data of a new event.
func NewEvent(t EventType, runID string, turn int, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{Type: t, RunID: runID, Turn: turn, Data: string(data), Timestamp: time.Now().UTC()}, nil
}

// Done returns the sentinel ending the given turn.
func Done(runID string, turn int) Event {
	return Event{Type: EventDone, RunID: runID, Turn: turn, Data: DoneData, Timestamp: time.Now().UTC()}
}

// IsDone reports whether e is the turn sentinel.
func (e Event) IsDone() bool { return e.Type == EventDone }

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if e.IsDone() {
		return fmt.Errorf("decode %s: sentinel has no payload", e.Type)
	}
	return json.Unmarshal([]byte(e.Data), v)
}

// Terminal reports whether t announces a terminal run status.
func (t EventType) Terminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled, EventRunExpired:
		return true
	default:
		return false
	}
}

// EndsTurnOnAction reports whether the policy emits Done after required
// actions are announced.
func (p TurnPolicy) EndsTurnOnAction() bool { return p == TurnPolicyEndOnAction }

func (p TurnPolicy) String() string {
	switch p {
	case TurnPolicyEndOnAction:
		return "end_on_action"
	case TurnPolicyContinue:
		return "continue"
	default:
		return fmt.Sprintf("TurnPolicy(%d)", int(p))
	}
}

// ParseTurnPolicy parses the String form of a policy.
func ParseTurnPolicy(s string) (TurnPolicy, error) {
	switch s {
	case "", "end_on_action":
		return TurnPolicyEndOnAction, nil
	case "continue":
		return TurnPolicyContinue, nil
	default:
		return 0, fmt.Errorf("unknown turn policy %q", s)
	}
}

// NopSink discards events.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(context.Context, Event) error { return nil }

// Close implements Sink.
func (NopSink) Close(context.Context) error { return nil }

// Package run defines the persisted state of an agent run and the state
// machine that governs it.
//
// # Core Concepts
//
// Run:
//   - One execution of an agent against a thread, tracked as a stateful record
//   - Mutated exclusively through the transition methods defined in this package
//   - Terminal statuses (completed, failed, cancelled, expired) are immutable
//
// Required action:
//   - The run's declaration that it cannot proceed until specific tool calls
//     are resolved by an external party
//   - At most one required action is outstanding per run; concurrent function
//     calls are added to that single set
//   - The run is in requires_action exactly when the set is non-empty and every
//     listed call is unresolved
//
// Tool call:
//   - A single invocation of a named capability, owned by exactly one run
//   - Insertion order in Run.ToolCalls is invocation order
//   - Records are never deleted; cancelled or expired calls stay pending for
//     auditability
//
// Lifecycle:
//
//	queued ──start──▶ in_progress ──require──▶ requires_action
//	                      ▲                          │
//	                      └──── last call resolved ──┘
//	in_progress ──complete──▶ completed
//	requires_action ──deadline──▶ expired
//	any non-terminal ──▶ failed | cancelled
package run

import (
	"encoding/json"
	"slices"
	"time"
)

type (
	// Run is the persisted record of one execution unit.
	Run struct {
		// ID uniquely identifies the run.
		ID string
		// ThreadID identifies the conversation thread the run executes against.
		ThreadID string
		// AgentID identifies the agent driving the run.
		AgentID string
		// Status is the current lifecycle state.
		Status Status
		// RequiredAction lists the tool calls awaiting external output. It is
		// non-nil iff Status is StatusRequiresAction.
		RequiredAction *RequiredAction
		// ToolCalls records every tool call in invocation order.
		ToolCalls []ToolCall
		// LastError describes the failure that moved the run to StatusFailed.
		LastError *LastError
		// Metadata stores caller-provided key/value pairs.
		Metadata map[string]string

		CreatedAt   time.Time
		StartedAt   time.Time
		CompletedAt time.Time
		FailedAt    time.Time
		CancelledAt time.Time
		ExpiredAt   time.Time
		UpdatedAt   time.Time

		// Version is the optimistic concurrency token maintained by stores.
		// Save succeeds only when the stored version matches.
		Version int64
	}

	// RequiredAction is the single outstanding set of tool calls a run waits on.
	RequiredAction struct {
		// Type is always RequiredActionSubmitToolOutputs.
		Type string
		// ToolCallIDs lists the unresolved calls, in the order they were required.
		ToolCallIDs []string
		// ExpiresAt is the policy deadline after which the run expires. Zero
		// means no deadline.
		ExpiresAt time.Time
	}

	// ToolCall records a single tool invocation.
	ToolCall struct {
		ID        string
		Type      ToolType
		Name      string
		Arguments json.RawMessage
		Status    ToolCallStatus
		// Output holds the submitted output once Status is resolved.
		Output     string
		CreatedAt  time.Time
		ResolvedAt time.Time
	}

	// LastError captures the reason a run failed.
	LastError struct {
		Code    string
		Message string
	}

	// Status represents the lifecycle state of a run.
	Status string

	// ToolType is the closed set of tool call variants.
	ToolType string

	// ToolCallStatus reports whether a tool call has been resolved.
	ToolCallStatus string
)

// RequiredActionSubmitToolOutputs is the only required action type.
const RequiredActionSubmitToolOutputs = "submit_tool_outputs"

const (
	// StatusQueued indicates the run has been created but not started.
	StatusQueued Status = "queued"
	// StatusInProgress indicates the agent loop is executing.
	StatusInProgress Status = "in_progress"
	// StatusRequiresAction indicates the run waits on external tool outputs.
	StatusRequiresAction Status = "requires_action"
	// StatusCompleted indicates the agent finished normally.
	StatusCompleted Status = "completed"
	// StatusFailed indicates an unrecoverable error.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the run was cancelled externally.
	StatusCancelled Status = "cancelled"
	// StatusExpired indicates a required action deadline elapsed.
	StatusExpired Status = "expired"
)

const (
	// ToolTypeFunction identifies calls whose output is computed outside the
	// serving process. Only function calls suspend the run.
	ToolTypeFunction ToolType = "function"
	// ToolTypeCodeInterpreter identifies calls executed by the code interpreter.
	ToolTypeCodeInterpreter ToolType = "code_interpreter"
	// ToolTypeFileSearch identifies calls executed by file search.
	ToolTypeFileSearch ToolType = "file_search"
	// ToolTypeSystem identifies calls executed by built-in system tools.
	ToolTypeSystem ToolType = "system"
)

const (
	// ToolCallPending indicates the call has no output yet.
	ToolCallPending ToolCallStatus = "pending"
	// ToolCallResolved indicates the call output has been recorded.
	ToolCallResolved ToolCallStatus = "resolved"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusRequiresAction:
		return true
	default:
		return s.Terminal()
	}
}

// Valid reports whether t is a known tool type.
func (t ToolType) Valid() bool {
	switch t {
	case ToolTypeFunction, ToolTypeCodeInterpreter, ToolTypeFileSearch, ToolTypeSystem:
		return true
	default:
		return false
	}
}

// New builds a queued run.
func New(id, threadID, agentID string, now time.Time) *Run {
	return &Run{
		ID:        id,
		ThreadID:  threadID,
		AgentID:   agentID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ToolCall returns the tool call with the given ID.
func (r *Run) ToolCall(id string) (ToolCall, bool) {
	if i := r.toolCallIndex(id); i >= 0 {
		return r.ToolCalls[i], true
	}
	return ToolCall{}, false
}

// PendingToolCalls returns the IDs of unresolved tool calls in invocation order.
func (r *Run) PendingToolCalls() []string {
	var ids []string
	for _, c := range r.ToolCalls {
		if c.Status == ToolCallPending {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// IsRequired reports whether the tool call is part of the outstanding required
// action.
func (r *Run) IsRequired(callID string) bool {
	return r.RequiredAction != nil && slices.Contains(r.RequiredAction.ToolCallIDs, callID)
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.RequiredAction != nil {
		ra := *r.RequiredAction
		ra.ToolCallIDs = slices.Clone(r.RequiredAction.ToolCallIDs)
		c.RequiredAction = &ra
	}
	if r.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(r.ToolCalls))
		for i, tc := range r.ToolCalls {
			tc.Arguments = slices.Clone(tc.Arguments)
			c.ToolCalls[i] = tc
		}
	}
	if r.LastError != nil {
		le := *r.LastError
		c.LastError = &le
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (r *Run) toolCallIndex(id string) int {
	return slices.IndexFunc(r.ToolCalls, func(c ToolCall) bool { return c.ID == id })
}

package run

import (
	"fmt"
	"slices"
	"time"
)

// Start moves a queued run to in_progress.
func (r *Run) Start(now time.Time) error {
	if r.Status.Terminal() {
		return r.reject("start", ErrTerminal, "")
	}
	if r.Status != StatusQueued {
		return r.reject("start", ErrInvalidTransition, "")
	}
	r.Status = StatusInProgress
	r.StartedAt = now
	r.UpdatedAt = now
	return nil
}

// AddToolCall appends a pending tool call. Calls keep insertion order.
func (r *Run) AddToolCall(call ToolCall, now time.Time) error {
	if r.Status.Terminal() {
		return r.reject("add tool call", ErrTerminal, "")
	}
	if call.ID == "" {
		return r.reject("add tool call", ErrInvalidTransition, "tool call id is required")
	}
	if !call.Type.Valid() {
		return r.reject("add tool call", ErrInvalidTransition, fmt.Sprintf("unknown tool type %q", call.Type))
	}
	if r.toolCallIndex(call.ID) >= 0 {
		return r.reject("add tool call", ErrDuplicateToolCall, call.ID)
	}
	call.Status = ToolCallPending
	call.Output = ""
	call.ResolvedAt = time.Time{}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	r.ToolCalls = append(r.ToolCalls, call)
	r.UpdatedAt = now
	return nil
}

// RequireAction registers callID as awaiting external output. From
// in_progress it opens the run's required action; from requires_action it
// joins the outstanding set so concurrent function calls share one required
// action. A non-zero expiresAt sets the deadline; the earliest deadline wins.
func (r *Run) RequireAction(callID string, expiresAt, now time.Time) error {
	const event = "require action"
	if r.Status.Terminal() {
		return r.reject(event, ErrTerminal, "")
	}
	if r.Status != StatusInProgress && r.Status != StatusRequiresAction {
		return r.reject(event, ErrInvalidTransition, "")
	}
	i := r.toolCallIndex(callID)
	if i < 0 {
		return r.reject(event, ErrToolCallNotFound, callID)
	}
	call := r.ToolCalls[i]
	if call.Type != ToolTypeFunction {
		return r.reject(event, ErrInvalidTransition, fmt.Sprintf("tool call %q is not a function call", callID))
	}
	if call.Status != ToolCallPending {
		return r.reject(event, ErrInvalidTransition, fmt.Sprintf("tool call %q is already resolved", callID))
	}
	if r.IsRequired(callID) {
		return r.reject(event, ErrInvalidTransition, fmt.Sprintf("tool call %q is already required", callID))
	}
	if r.RequiredAction == nil {
		r.RequiredAction = &RequiredAction{Type: RequiredActionSubmitToolOutputs}
	}
	r.RequiredAction.ToolCallIDs = append(r.RequiredAction.ToolCallIDs, callID)
	if !expiresAt.IsZero() && (r.RequiredAction.ExpiresAt.IsZero() || expiresAt.Before(r.RequiredAction.ExpiresAt)) {
		r.RequiredAction.ExpiresAt = expiresAt
	}
	r.Status = StatusRequiresAction
	r.UpdatedAt = now
	return nil
}

// SubmitAction resolves callID with output. The run returns to in_progress
// only once every call of the required action is resolved.
func (r *Run) SubmitAction(callID, output string, now time.Time) error {
	const event = "submit action"
	if r.Status.Terminal() {
		return r.reject(event, ErrTerminal, "")
	}
	if r.Status != StatusRequiresAction {
		return r.reject(event, ErrInvalidTransition, "")
	}
	if !r.IsRequired(callID) {
		return r.reject(event, ErrToolCallNotFound, fmt.Sprintf("tool call %q is not awaiting output", callID))
	}
	i := r.toolCallIndex(callID)
	if i < 0 {
		return r.reject(event, ErrToolCallNotFound, callID)
	}
	r.ToolCalls[i].Status = ToolCallResolved
	r.ToolCalls[i].Output = output
	r.ToolCalls[i].ResolvedAt = now
	r.RequiredAction.ToolCallIDs = slices.DeleteFunc(r.RequiredAction.ToolCallIDs, func(id string) bool { return id == callID })
	if len(r.RequiredAction.ToolCallIDs) == 0 {
		r.RequiredAction = nil
		r.Status = StatusInProgress
	}
	r.UpdatedAt = now
	return nil
}

// ResolveToolCall records the output of a synchronous (non-suspending) call.
func (r *Run) ResolveToolCall(callID, output string, now time.Time) error {
	const event = "resolve tool call"
	if r.Status.Terminal() {
		return r.reject(event, ErrTerminal, "")
	}
	i := r.toolCallIndex(callID)
	if i < 0 {
		return r.reject(event, ErrToolCallNotFound, callID)
	}
	if r.IsRequired(callID) {
		return r.reject(event, ErrInvalidTransition, fmt.Sprintf("tool call %q awaits external output", callID))
	}
	if r.ToolCalls[i].Status != ToolCallPending {
		return r.reject(event, ErrInvalidTransition, fmt.Sprintf("tool call %q is already resolved", callID))
	}
	r.ToolCalls[i].Status = ToolCallResolved
	r.ToolCalls[i].Output = output
	r.ToolCalls[i].ResolvedAt = now
	r.UpdatedAt = now
	return nil
}

// Complete moves an in_progress run with no pending tool calls to completed.
func (r *Run) Complete(now time.Time) error {
	if r.Status.Terminal() {
		return r.reject("complete", ErrTerminal, "")
	}
	if r.Status != StatusInProgress {
		return r.reject("complete", ErrInvalidTransition, "")
	}
	if pending := r.PendingToolCalls(); len(pending) > 0 {
		return r.reject("complete", ErrInvalidTransition, fmt.Sprintf("%d pending tool calls", len(pending)))
	}
	r.Status = StatusCompleted
	r.CompletedAt = now
	r.UpdatedAt = now
	return nil
}

// Fail moves a non-terminal run to failed.
func (r *Run) Fail(code, message string, now time.Time) error {
	if r.Status.Terminal() {
		return r.reject("fail", ErrTerminal, "")
	}
	r.terminate(StatusFailed, now)
	r.FailedAt = now
	r.LastError = &LastError{Code: code, Message: message}
	return nil
}

// Cancel moves a non-terminal run to cancelled.
func (r *Run) Cancel(now time.Time) error {
	if r.Status.Terminal() {
		return r.reject("cancel", ErrTerminal, "")
	}
	r.terminate(StatusCancelled, now)
	r.CancelledAt = now
	return nil
}

// Expire moves a requires_action run whose deadline elapsed to expired.
func (r *Run) Expire(now time.Time) error {
	if r.Status.Terminal() {
		return r.reject("expire", ErrTerminal, "")
	}
	if r.Status != StatusRequiresAction {
		return r.reject("expire", ErrInvalidTransition, "")
	}
	if !r.Expired(now) {
		return r.reject("expire", ErrInvalidTransition, "deadline has not elapsed")
	}
	r.terminate(StatusExpired, now)
	r.ExpiredAt = now
	return nil
}

// Expired reports whether the run waits on a required action whose deadline
// is at or before now.
func (r *Run) Expired(now time.Time) bool {
	return r.Status == StatusRequiresAction &&
		r.RequiredAction != nil &&
		!r.RequiredAction.ExpiresAt.IsZero() &&
		!now.Before(r.RequiredAction.ExpiresAt)
}

// terminate clears the required action; pending tool calls are kept as is.
func (r *Run) terminate(status Status, now time.Time) {
	r.Status = status
	r.RequiredAction = nil
	r.UpdatedAt = now
}

// CheckInvariants verifies the structural invariants of the record: a single
// required action whose presence matches requires_action, listing only
// unresolved function calls of this run.
func (r *Run) CheckInvariants() error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, r.Status)
	}
	seen := make(map[string]struct{}, len(r.ToolCalls))
	for _, c := range r.ToolCalls {
		if _, ok := seen[c.ID]; ok {
			return fmt.Errorf("%w: duplicate tool call %q", ErrInvariant, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	if r.Status != StatusRequiresAction {
		if r.RequiredAction != nil {
			return fmt.Errorf("%w: required action present in status %s", ErrInvariant, r.Status)
		}
		if r.Status == StatusCompleted && len(r.PendingToolCalls()) > 0 {
			return fmt.Errorf("%w: completed with pending tool calls", ErrInvariant)
		}
		return nil
	}
	if r.RequiredAction == nil || len(r.RequiredAction.ToolCallIDs) == 0 {
		return fmt.Errorf("%w: requires_action without required tool calls", ErrInvariant)
	}
	for _, id := range r.RequiredAction.ToolCallIDs {
		c, ok := r.ToolCall(id)
		if !ok {
			return fmt.Errorf("%w: required tool call %q not found", ErrInvariant, id)
		}
		if c.Status != ToolCallPending {
			return fmt.Errorf("%w: required tool call %q is resolved", ErrInvariant, id)
		}
	}
	return nil
}

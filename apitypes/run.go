// Package apitypes defines the wire representation of runs shared by the run
// event stream and the HTTP API. Field names follow the assistants style used
// by clients of the service.
package apitypes

import (
	"encoding/json"
	"time"

	"goa.design/runwait/runtime/agent/run"
)

type (
	// Run is the serialized form of a run.
	Run struct {
		ID             string            `json:"id"`
		Object         string            `json:"object"`
		ThreadID       string            `json:"thread_id"`
		AssistantID    string            `json:"assistant_id"`
		Status         string            `json:"status"`
		RequiredAction *RequiredAction   `json:"required_action"`
		LastError      *LastError        `json:"last_error"`
		ToolCalls      []*ToolCall       `json:"tool_calls,omitempty"`
		Metadata       map[string]string `json:"metadata,omitempty"`
		CreatedAt      int64             `json:"created_at"`
		StartedAt      *int64            `json:"started_at"`
		ExpiresAt      *int64            `json:"expires_at"`
		CompletedAt    *int64            `json:"completed_at"`
		FailedAt       *int64            `json:"failed_at"`
		CancelledAt    *int64            `json:"cancelled_at"`
		ExpiredAt      *int64            `json:"expired_at,omitempty"`
	}

	// RequiredAction tells the client which tool outputs to submit.
	RequiredAction struct {
		Type              string             `json:"type"`
		SubmitToolOutputs *SubmitToolOutputs `json:"submit_tool_outputs"`
	}

	// SubmitToolOutputs lists the tool calls awaiting output.
	SubmitToolOutputs struct {
		ToolCalls []*ToolCall `json:"tool_calls"`
	}

	// ToolCall is the serialized form of a tool call.
	ToolCall struct {
		ID       string        `json:"id"`
		Type     string        `json:"type"`
		Status   string        `json:"status,omitempty"`
		Function *FunctionCall `json:"function,omitempty"`
		Output   *string       `json:"output,omitempty"`
	}

	// FunctionCall carries the name and arguments of a function tool call.
	FunctionCall struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// LastError describes why a run failed.
	LastError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	// ToolOutput is one entry of a submit_tool_outputs request.
	ToolOutput struct {
		ToolCallID string `json:"tool_call_id"`
		Output     string `json:"output"`
	}

	// SubmitToolOutputsRequest is the body of a submit_tool_outputs request.
	SubmitToolOutputsRequest struct {
		ToolOutputs []ToolOutput `json:"tool_outputs"`
	}

	// CreateRunRequest is the body of a create run request.
	CreateRunRequest struct {
		ThreadID    string            `json:"thread_id"`
		AssistantID string            `json:"assistant_id"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}
)

// ObjectRun is the object tag of serialized runs.
const ObjectRun = "thread.run"

// FromRun converts r to its wire form.
func FromRun(r *run.Run) *Run {
	if r == nil {
		return nil
	}
	out := &Run{
		ID:          r.ID,
		Object:      ObjectRun,
		ThreadID:    r.ThreadID,
		AssistantID: r.AgentID,
		Status:      string(r.Status),
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt.Unix(),
		StartedAt:   unix(r.StartedAt),
		CompletedAt: unix(r.CompletedAt),
		FailedAt:    unix(r.FailedAt),
		CancelledAt: unix(r.CancelledAt),
		ExpiredAt:   unix(r.ExpiredAt),
	}
	if r.LastError != nil {
		out.LastError = &LastError{Code: r.LastError.Code, Message: r.LastError.Message}
	}
	if ra := r.RequiredAction; ra != nil {
		calls := make([]*ToolCall, 0, len(ra.ToolCallIDs))
		for _, id := range ra.ToolCallIDs {
			if c, ok := r.ToolCall(id); ok {
				calls = append(calls, fromToolCall(c, false))
			}
		}
		out.RequiredAction = &RequiredAction{
			Type:              ra.Type,
			SubmitToolOutputs: &SubmitToolOutputs{ToolCalls: calls},
		}
		out.ExpiresAt = unix(ra.ExpiresAt)
	}
	for _, c := range r.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, fromToolCall(c, true))
	}
	return out
}

func fromToolCall(c run.ToolCall, withStatus bool) *ToolCall {
	tc := &ToolCall{ID: c.ID, Type: string(c.Type)}
	if c.Type == run.ToolTypeFunction {
		args := string(c.Arguments)
		if args == "" {
			args = "{}"
		}
		tc.Function = &FunctionCall{Name: c.Name, Arguments: args}
	}
	if withStatus {
		tc.Status = string(c.Status)
		if c.Status == run.ToolCallResolved {
			out := c.Output
			tc.Output = &out
		}
	}
	return tc
}

// ToolCallArguments returns the raw JSON arguments of a function call.
func (f *FunctionCall) ToolCallArguments() json.RawMessage {
	if f == nil || f.Arguments == "" {
		return nil
	}
	return json.RawMessage(f.Arguments)
}

func unix(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.Unix()
	return &v
}

package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/stream"
)

func TestSubmitToolOutputsRequiresWaitingCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ec := h.startedContext(t, functionCall("c1"), functionCall("c2"))

	_, err := h.rt.SubmitToolOutputs(ctx, ec.RunID(), ToolOutput{ToolCallID: "c1", Output: "x"})
	assert.ErrorIs(t, err, ErrNotAwaiting, "run is in_progress")

	_, err = ec.RequireAction(ctx, "c1", time.Time{})
	require.NoError(t, err)

	cases := []struct {
		name    string
		outputs []ToolOutput
	}{
		{"no outputs", nil},
		{"unknown call", []ToolOutput{{ToolCallID: "nope", Output: "x"}}},
		{"call not required", []ToolOutput{{ToolCallID: "c2", Output: "x"}}},
		{"duplicate call", []ToolOutput{{ToolCallID: "c1", Output: "x"}, {ToolCallID: "c1", Output: "y"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.rt.SubmitToolOutputs(ctx, ec.RunID(), tc.outputs...)
			var nae *NotAwaitingError
			require.ErrorAs(t, err, &nae)
			assert.Equal(t, ec.RunID(), nae.RunID)
		})
	}

	_, err = h.rt.SubmitToolOutputs(ctx, "run_missing", ToolOutput{ToolCallID: "c1"})
	assert.ErrorIs(t, err, run.ErrNotFound)
}

func TestSubmitToolOutputsDoesNotMutateRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ec := h.startedContext(t, functionCall("c"))
	_, err := ec.RequireAction(ctx, "c", time.Time{})
	require.NoError(t, err)
	before := h.load(t, ec.RunID())

	// Nobody waits on the channel: the output is published and dropped.
	rec, err := h.rt.SubmitToolOutputs(ctx, ec.RunID(), ToolOutput{ToolCallID: "c", Output: "42"})
	require.NoError(t, err)
	assert.Equal(t, before.Version, rec.Version)

	after := h.load(t, ec.RunID())
	assert.Equal(t, before.Version, after.Version)
	call, _ := after.ToolCall("c")
	assert.Equal(t, run.ToolCallPending, call.Status)
}

func TestCancelRunWithoutExecutor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runID := h.createRun(t)

	rec, err := h.rt.CancelRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, rec.Status)
	assert.False(t, rec.CancelledAt.IsZero())

	assert.Equal(t, []stream.EventType{
		stream.EventRunCreated,
		stream.EventRunCancelled,
		stream.EventDone,
	}, h.eventTypes(runID))
	events := h.hub.Events(runID)
	assert.Equal(t, outOfBandTurn, events[2].Turn)

	_, err = h.rt.CancelRun(ctx, runID)
	assert.ErrorIs(t, err, run.ErrTerminal)

	_, err = h.rt.CancelRun(ctx, "run_missing")
	assert.ErrorIs(t, err, run.ErrNotFound)
}

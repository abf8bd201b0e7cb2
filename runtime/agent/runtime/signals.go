package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"goa.design/runwait/runtime/agent/pubsub"
	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/stream"
	"goa.design/runwait/runtime/agent/telemetry"
)

// ToolOutput is the output submitted for one tool call.
type ToolOutput struct {
	ToolCallID string
	Output     string
}

// cancelPayload is the message published on cancel channels.
const cancelPayload = "cancel"

// outOfBandTurn is the turn stamped on events published outside of an
// execution, such as a direct cancellation or a sweep.
const outOfBandTurn = 0

// SubmitToolOutputs publishes each output verbatim on its tool call channel.
// It first checks, without mutating anything, that the run is in
// requires_action and waits on every listed call; otherwise it returns a
// *NotAwaitingError. It returns once the outputs are published; recording
// them is the job of the suspended calls.
//
// A second submission for a call that is still awaiting is published too:
// the waiter keeps the first message it receives and ignores the rest.
func (r *Runtime) SubmitToolOutputs(ctx context.Context, runID string, outputs ...ToolOutput) (*run.Run, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.submit_tool_outputs")
	defer span.End()

	rec, err := r.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return rec, &NotAwaitingError{RunID: runID, Reason: "no tool outputs"}
	}
	seen := make(map[string]struct{}, len(outputs))
	for _, o := range outputs {
		if rec.Status != run.StatusRequiresAction {
			return rec, &NotAwaitingError{RunID: runID, ToolCallID: o.ToolCallID, Reason: fmt.Sprintf("run is %s", rec.Status)}
		}
		if !rec.IsRequired(o.ToolCallID) {
			return rec, &NotAwaitingError{RunID: runID, ToolCallID: o.ToolCallID, Reason: "not part of the required action"}
		}
		if _, dup := seen[o.ToolCallID]; dup {
			return rec, &NotAwaitingError{RunID: runID, ToolCallID: o.ToolCallID, Reason: "submitted twice"}
		}
		seen[o.ToolCallID] = struct{}{}
	}

	for _, o := range outputs {
		channel := pubsub.ToolOutputChannel(runID, o.ToolCallID)
		n, err := r.pubsub.Publish(ctx, channel, o.Output)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
			return rec, fmt.Errorf("publish tool output for %s: %w", o.ToolCallID, err)
		}
		r.metrics.IncCounter(telemetry.MetricToolOutputs, 1)
		if n == 0 {
			r.logger.Warn(ctx, "tool output published without waiter", "run_id", runID, "tool_call_id", o.ToolCallID)
		}
	}
	return rec, nil
}

// CancelRun asks the process executing the run to cancel it. When no
// executor listens on the run's cancel channel, the run is cancelled
// directly in the store. Cancelling a terminal run returns run.ErrTerminal.
func (r *Runtime) CancelRun(ctx context.Context, runID string) (*run.Run, error) {
	rec, err := r.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("cancel run %s: %w", runID, run.ErrTerminal)
	}
	n, err := r.pubsub.Publish(ctx, pubsub.CancelChannel(runID), cancelPayload)
	switch {
	case err != nil:
		r.logger.Warn(ctx, "publish run cancellation", "run_id", runID, "err", err)
	case n > 0:
		return rec, nil
	}

	rec, err = run.Update(ctx, r.store, runID, func(x *run.Run) error { return x.Cancel(r.now()) })
	if err != nil {
		if errors.Is(err, run.ErrTerminal) {
			return rec, fmt.Errorf("cancel run %s: %w", runID, err)
		}
		return nil, err
	}
	r.publish(ctx, runID, outOfBandTurn, stream.EventRunCancelled, rec)
	r.send(ctx, stream.Done(runID, outOfBandTurn))
	return rec, nil
}

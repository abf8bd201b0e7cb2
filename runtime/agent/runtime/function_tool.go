package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"

	"goa.design/runwait/runtime/agent/pubsub"
	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/telemetry"
	"goa.design/runwait/runtime/agent/toolerrors"
)

type (
	// FunctionDefinition declares a function tool: a tool whose output is
	// computed by the client and submitted back to the run.
	FunctionDefinition struct {
		Name        string
		Description string
		// Parameters is the JSON schema of the call arguments. Empty disables
		// validation.
		Parameters json.RawMessage
	}

	// FunctionTool suspends a run until the output of a function call is
	// submitted. The suspension is an explicit two phase protocol: Suspend
	// subscribes to the call's channel and only then records and announces
	// the required action; Await then waits for the first of the submitted
	// output, cancellation or expiry.
	FunctionTool struct {
		rt     *Runtime
		def    FunctionDefinition
		schema *jsonschema.Schema
	}

	// Suspension is a function call waiting for its output. Await must be
	// called exactly once; it releases the channel subscription.
	Suspension struct {
		tool      *FunctionTool
		ec        *ExecutionContext
		call      run.ToolCall
		sub       pubsub.Subscription
		expiresAt time.Time
		started   time.Time
	}

	// Outcome classifies how a tool call settled.
	Outcome int

	// Result is the settlement of a tool call.
	Result struct {
		ToolCallID string
		Outcome    Outcome
		// Output is set when Outcome is OutcomeResolved.
		Output string
		// Err is set when Outcome is OutcomeFailed or OutcomeCanceled.
		Err error
	}
)

const (
	// OutcomeResolved means the output was received and recorded.
	OutcomeResolved Outcome = iota + 1
	// OutcomeFailed means the call failed; see Result.Err.
	OutcomeFailed
	// OutcomeCanceled means the wait was abandoned; Result.Err is a
	// *CanceledError.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

func (r *Runtime) newFunctionTool(def FunctionDefinition) (*FunctionTool, error) {
	if def.Name == "" {
		return nil, errors.New("function name is required")
	}
	ft := &FunctionTool{rt: r, def: def}
	if len(def.Parameters) == 0 {
		return ft, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(def.Parameters))
	if err != nil {
		return nil, fmt.Errorf("function %q: parse parameters schema: %w", def.Name, err)
	}
	c := jsonschema.NewCompiler()
	url := def.Name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("function %q: add parameters schema: %w", def.Name, err)
	}
	if ft.schema, err = c.Compile(url); err != nil {
		return nil, fmt.Errorf("function %q: compile parameters schema: %w", def.Name, err)
	}
	return ft, nil
}

// Definition returns the declaration of the tool.
func (t *FunctionTool) Definition() FunctionDefinition { return t.def }

// Invoke suspends on call, ends the delivery turn and waits for the output.
// The call must already be recorded on the run.
func (t *FunctionTool) Invoke(ctx context.Context, ec *ExecutionContext, call run.ToolCall) Result {
	s, err := t.Suspend(ctx, ec, call)
	if err != nil {
		return Result{ToolCallID: call.ID, Outcome: OutcomeFailed, Err: err}
	}
	if err := ec.EndTurn(ctx); err != nil {
		t.rt.logger.Warn(ctx, "end turn", "run_id", ec.RunID(), "err", err)
	}
	return s.Await(ctx)
}

// Suspend performs the two phases preceding the wait. Phase one subscribes
// to the call's output channel; a failure there returns before the run is
// touched. Phase two records the required action and publishes the
// requires_action event. Any output published after Suspend returns is
// delivered to the suspension.
func (t *FunctionTool) Suspend(ctx context.Context, ec *ExecutionContext, call run.ToolCall) (*Suspension, error) {
	if call.Type != run.ToolTypeFunction {
		return nil, fmt.Errorf("%w: tool call %s of type %q reached the function tool", ErrContractViolation, call.ID, call.Type)
	}
	if err := t.validate(call); err != nil {
		return nil, toolerrors.Wrap(call.ID, call.Name, err)
	}

	sub, err := t.rt.pubsub.Subscribe(ctx, pubsub.ToolOutputChannel(ec.RunID(), call.ID))
	if err != nil {
		return nil, toolerrors.Wrap(call.ID, call.Name, fmt.Errorf("subscribe to tool output: %w", err))
	}

	now := t.rt.now()
	var expiresAt time.Time
	if t.rt.actionTimeout > 0 {
		expiresAt = now.Add(t.rt.actionTimeout)
	}
	if _, err := ec.RequireAction(ctx, call.ID, expiresAt); err != nil {
		t.release(ctx, sub)
		return nil, toolerrors.Wrap(call.ID, call.Name, err)
	}
	t.rt.metrics.IncCounter(telemetry.MetricToolCallsSuspended, 1, "tool", call.Name)
	t.rt.logger.Debug(ctx, "tool call suspended", "run_id", ec.RunID(), "tool_call_id", call.ID, "tool", call.Name)
	return &Suspension{tool: t, ec: ec, call: call, sub: sub, expiresAt: expiresAt, started: now}, nil
}

// ToolCallID returns the ID of the suspended call.
func (s *Suspension) ToolCallID() string { return s.call.ID }

// Await races the three signals that can settle the call: the first message
// on the channel, cancellation of ctx and the policy deadline. Exactly one
// of them settles the call and the subscription is always released.
//
// On a message the output is recorded with SubmitAction before Await
// returns. On cancellation the call stays pending and the run keeps its
// required action. On expiry the run transitions to expired.
func (s *Suspension) Await(ctx context.Context) Result {
	t := s.tool
	defer t.release(ctx, s.sub)

	ctx, span := t.rt.tracer.Start(ctx, "runtime.function_tool.await")
	defer span.End()
	span.AddEvent("await", "run_id", s.ec.RunID(), "tool_call_id", s.call.ID, "tool", s.call.Name)

	var expiry <-chan time.Time
	if !s.expiresAt.IsZero() {
		timer := time.NewTimer(s.expiresAt.Sub(t.rt.now()))
		defer timer.Stop()
		expiry = timer.C
	}

	var res Result
	select {
	case msg, ok := <-s.sub.Messages():
		if !ok {
			res = s.failed(errors.New("tool output subscription closed"))
			break
		}
		res = s.resolve(ctx, msg.Payload)
	case <-ctx.Done():
		res = Result{ToolCallID: s.call.ID, Outcome: OutcomeCanceled, Err: &CanceledError{
			RunID:      s.ec.RunID(),
			ToolCallID: s.call.ID,
			Cause:      context.Cause(ctx),
		}}
	case <-expiry:
		res = s.expire(ctx)
	}

	t.rt.metrics.RecordTimer(telemetry.MetricToolCallWait, t.rt.now().Sub(s.started), "outcome", res.Outcome.String())
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Outcome.String())
	}
	return res
}

func (s *Suspension) resolve(ctx context.Context, output string) Result {
	if _, err := s.ec.SubmitAction(ctx, s.call.ID, output); err != nil {
		return s.failed(fmt.Errorf("record tool output: %w", err))
	}
	s.tool.rt.logger.Debug(ctx, "tool call resolved", "run_id", s.ec.RunID(), "tool_call_id", s.call.ID)
	return Result{ToolCallID: s.call.ID, Outcome: OutcomeResolved, Output: output}
}

// expire moves the run to expired. A run already expired by a sibling call
// or by the sweeper still yields ErrExpired.
func (s *Suspension) expire(ctx context.Context) Result {
	rec, err := s.ec.Expire(ctx)
	if err != nil && (rec == nil || rec.Status != run.StatusExpired) {
		return s.failed(fmt.Errorf("%w: %w", ErrExpired, err))
	}
	return s.failed(ErrExpired)
}

func (s *Suspension) failed(err error) Result {
	return Result{ToolCallID: s.call.ID, Outcome: OutcomeFailed, Err: toolerrors.Wrap(s.call.ID, s.call.Name, err)}
}

func (t *FunctionTool) validate(call run.ToolCall) error {
	if t.schema == nil {
		return nil
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	if err := t.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return nil
}

// release closes sub even when ctx is already cancelled.
func (t *FunctionTool) release(ctx context.Context, sub pubsub.Subscription) {
	if err := sub.Close(context.WithoutCancel(ctx)); err != nil {
		t.rt.logger.Warn(ctx, "close tool output subscription", "channel", sub.Channel(), "err", err)
	}
}

package runtime

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/toolerrors"
)

type (
	// Tool executes a non-function tool call inside the serving process.
	Tool interface {
		Execute(ctx context.Context, ec *ExecutionContext, call run.ToolCall) (string, error)
	}

	// ToolFunc adapts a function to the Tool interface.
	ToolFunc func(ctx context.Context, ec *ExecutionContext, call run.ToolCall) (string, error)
)

// Execute implements Tool.
func (f ToolFunc) Execute(ctx context.Context, ec *ExecutionContext, call run.ToolCall) (string, error) {
	return f(ctx, ec, call)
}

// CallTools records calls on the run, in order, and settles them. Calls
// without an ID are assigned one.
//
// Synchronous tool types run first through their registered Tool. Function
// calls are then all suspended before the turn ends once, and their outputs
// are awaited concurrently. The returned results follow the order of calls.
// The error is the first failure; when a function call fails the remaining
// waits are cancelled with that failure as cause.
func (ec *ExecutionContext) CallTools(ctx context.Context, calls ...run.ToolCall) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	calls = slices.Clone(calls)
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = NewToolCallID()
		}
	}
	_, err := ec.update(ctx, func(r *run.Run) error {
		now := ec.rt.now()
		for _, c := range calls {
			if err := r.AddToolCall(c, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record tool calls: %w", err)
	}

	results := make([]Result, len(calls))
	var functions []int
	for i, c := range calls {
		switch c.Type {
		case run.ToolTypeFunction:
			functions = append(functions, i)
		case run.ToolTypeCodeInterpreter, run.ToolTypeFileSearch, run.ToolTypeSystem:
			results[i] = ec.execute(ctx, c)
			if results[i].Err != nil {
				return results, results[i].Err
			}
		default:
			err := fmt.Errorf("%w: unknown tool type %q", ErrContractViolation, c.Type)
			results[i] = Result{ToolCallID: c.ID, Outcome: OutcomeFailed, Err: err}
			return results, err
		}
	}
	if len(functions) == 0 {
		return results, nil
	}

	suspended := make([]*Suspension, 0, len(functions))
	for _, i := range functions {
		s, err := ec.rt.FunctionTool(calls[i].Name).Suspend(ctx, ec, calls[i])
		if err != nil {
			for _, s := range suspended {
				s.abandon(ctx)
			}
			results[i] = Result{ToolCallID: calls[i].ID, Outcome: OutcomeFailed, Err: err}
			return results, err
		}
		suspended = append(suspended, s)
	}
	if err := ec.EndTurn(ctx); err != nil {
		ec.rt.logger.Warn(ctx, "end turn", "run_id", ec.runID, "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for k, s := range suspended {
		i := functions[k]
		g.Go(func() error {
			results[i] = s.Await(gctx)
			return results[i].Err
		})
	}
	return results, g.Wait()
}

// execute runs a synchronous tool call and records its output.
func (ec *ExecutionContext) execute(ctx context.Context, call run.ToolCall) Result {
	tool, ok := ec.rt.tools[call.Type]
	if !ok {
		return Result{ToolCallID: call.ID, Outcome: OutcomeFailed,
			Err: toolerrors.Wrap(call.ID, call.Name, fmt.Errorf("%w: %s", ErrNoTool, call.Type))}
	}
	out, err := tool.Execute(ctx, ec, call)
	if err != nil {
		if ctx.Err() != nil {
			return Result{ToolCallID: call.ID, Outcome: OutcomeCanceled,
				Err: &CanceledError{RunID: ec.runID, ToolCallID: call.ID, Cause: context.Cause(ctx)}}
		}
		return Result{ToolCallID: call.ID, Outcome: OutcomeFailed, Err: toolerrors.Wrap(call.ID, call.Name, err)}
	}
	if _, err := ec.ResolveToolCall(ctx, call.ID, out); err != nil {
		return Result{ToolCallID: call.ID, Outcome: OutcomeFailed, Err: toolerrors.Wrap(call.ID, call.Name, err)}
	}
	return Result{ToolCallID: call.ID, Outcome: OutcomeResolved, Output: out}
}

// abandon releases the subscription of a suspension that will not be
// awaited. The tool call stays in the run's required action.
func (s *Suspension) abandon(ctx context.Context) {
	s.tool.release(ctx, s.sub)
}

package runtime

import (
	"context"
	"errors"
	"fmt"

	"goa.design/runwait/runtime/agent/pubsub"
	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/stream"
	"goa.design/runwait/runtime/agent/telemetry"
)

type (
	// Agent is the opaque loop driving a run. It calls tools through the
	// ExecutionContext and returns nil once it produced its answer.
	Agent interface {
		Run(ctx context.Context, ec *ExecutionContext) error
	}

	// AgentFunc adapts a function to the Agent interface.
	AgentFunc func(ctx context.Context, ec *ExecutionContext) error
)

// Run implements Agent.
func (f AgentFunc) Run(ctx context.Context, ec *ExecutionContext) error { return f(ctx, ec) }

// FailureCode is the last error code recorded on runs failed by the
// executor.
const FailureCode = "server_error"

// errSettled aborts the final mutation of a run that some other path already
// moved to a terminal status.
var errSettled = errors.New("run already settled")

// Execute drives a queued run to a terminal status. It listens on the run's
// cancel channel, starts the run and runs agent. The outcome maps to the
// final status:
//
//   - agent returns nil: completed (failed if tool calls are still pending)
//   - CancelRun was requested: cancelled
//   - a required action expired: expired, set by the waiting tool call
//   - any other error: failed
//
// When ctx itself is cancelled (for instance on shutdown) the run is left in
// its current status so that it can be expired later. Execute publishes the
// lifecycle events and ends the delivery turn. It returns the final run and
// the agent error.
func (r *Runtime) Execute(ctx context.Context, runID string, agent Agent) (*run.Run, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.execute")
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := r.listenCancel(ctx, runID, cancel)
	defer stop()

	ec := newExecutionContext(r, runID)
	rec, err := ec.update(ctx, func(x *run.Run) error { return x.Start(r.now()) })
	if err != nil {
		return rec, fmt.Errorf("start run %s: %w", runID, err)
	}
	r.metrics.IncCounter(telemetry.MetricRunsStarted, 1, "agent", rec.AgentID)
	r.logger.Info(ctx, "run started", "run_id", runID, "agent_id", rec.AgentID)
	ec.publishRun(ctx, stream.EventRunInProgress, rec)

	agentErr := agent.Run(runCtx, ec)
	if agentErr != nil {
		span.RecordError(agentErr)
	}
	return r.finish(ctx, ec, runCtx, agentErr)
}

func (r *Runtime) finish(ctx context.Context, ec *ExecutionContext, runCtx context.Context, agentErr error) (*run.Run, error) {
	cancelled := errors.Is(context.Cause(runCtx), ErrRunCancelled)
	if agentErr != nil && !cancelled && ctx.Err() != nil {
		r.logger.Warn(ctx, "run interrupted", "run_id", ec.runID, "err", agentErr)
		_ = ec.endTurn(context.WithoutCancel(ctx))
		return nil, agentErr
	}
	ctx = context.WithoutCancel(ctx)

	var terminal stream.EventType
	rec, err := ec.update(ctx, func(x *run.Run) error {
		if x.Status.Terminal() {
			return errSettled
		}
		now := r.now()
		switch {
		case cancelled:
			terminal = stream.EventRunCancelled
			return x.Cancel(now)
		case agentErr == nil:
			if err := x.Complete(now); err != nil {
				terminal = stream.EventRunFailed
				return x.Fail(FailureCode, err.Error(), now)
			}
			terminal = stream.EventRunCompleted
			return nil
		default:
			terminal = stream.EventRunFailed
			return x.Fail(FailureCode, agentErr.Error(), now)
		}
	})
	switch {
	case errors.Is(err, errSettled):
	case err != nil:
		r.logger.Error(ctx, "finalize run", "run_id", ec.runID, "err", err)
		_ = ec.endTurn(ctx)
		return rec, errors.Join(agentErr, err)
	default:
		ec.publishRun(ctx, terminal, rec)
	}
	if rec != nil {
		r.metrics.IncCounter(telemetry.MetricRunsFinished, 1, "status", string(rec.Status))
		r.logger.Info(ctx, "run finished", "run_id", ec.runID, "status", string(rec.Status))
	}
	if err := ec.endTurn(ctx); err != nil {
		r.logger.Warn(ctx, "end turn", "run_id", ec.runID, "err", err)
	}
	return rec, agentErr
}

// listenCancel subscribes to the run's cancel channel and cancels the run
// context with ErrRunCancelled when a request arrives. Without a
// subscription CancelRun falls back to cancelling the stored run directly.
func (r *Runtime) listenCancel(ctx context.Context, runID string, cancel context.CancelCauseFunc) (stop func()) {
	sub, err := r.pubsub.Subscribe(ctx, pubsub.CancelChannel(runID))
	if err != nil {
		r.logger.Warn(ctx, "listen for run cancellation", "run_id", runID, "err", err)
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case _, ok := <-sub.Messages():
			if ok {
				r.logger.Info(ctx, "run cancellation requested", "run_id", runID)
				cancel(ErrRunCancelled)
			}
		case <-done:
		}
	}()
	return func() {
		close(done)
		if err := sub.Close(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn(ctx, "close cancel subscription", "run_id", runID, "err", err)
		}
	}
}

package runtime

import (
	"context"
	"sync"
	"time"

	"goa.design/runwait/apitypes"
	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/stream"
	"goa.design/runwait/runtime/agent/telemetry"
)

// ExecutionContext is the live driver of one run. It is handed to the agent
// by Execute and is safe for concurrent use by the goroutines awaiting tool
// outputs.
type ExecutionContext struct {
	rt    *Runtime
	runID string

	mu        sync.Mutex
	turn      int
	turnEnded bool
}

func newExecutionContext(rt *Runtime, runID string) *ExecutionContext {
	return &ExecutionContext{rt: rt, runID: runID, turn: 1}
}

// RunID returns the identifier of the driven run.
func (ec *ExecutionContext) RunID() string { return ec.runID }

// Run loads the current state of the run.
func (ec *ExecutionContext) Run(ctx context.Context) (*run.Run, error) {
	return ec.rt.store.Load(ctx, ec.runID)
}

// Turn returns the current delivery turn number.
func (ec *ExecutionContext) Turn() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.turn
}

// Publish emits an event on the run stream, stamped with the run ID and the
// current turn. A turn ended by EndTurn is reopened with the next number.
func (ec *ExecutionContext) Publish(ctx context.Context, t stream.EventType, data any) error {
	evt, err := stream.NewEvent(t, ec.runID, ec.openTurn(), data)
	if err != nil {
		return err
	}
	return ec.rt.sink.Send(ctx, evt)
}

// RequireAction atomically registers callID in the run's required action and
// announces the new state with a requires_action event. A zero expiresAt
// means the call never expires.
func (ec *ExecutionContext) RequireAction(ctx context.Context, callID string, expiresAt time.Time) (*run.Run, error) {
	rec, err := ec.update(ctx, func(r *run.Run) error {
		return r.RequireAction(callID, expiresAt, ec.rt.now())
	})
	if err != nil {
		return nil, err
	}
	ec.publishRun(ctx, stream.EventRunRequiresAction, rec)
	return rec, nil
}

// SubmitAction atomically resolves callID with output. When it resolves the
// last outstanding call the run returns to in_progress and an in_progress
// event opens the next turn.
func (ec *ExecutionContext) SubmitAction(ctx context.Context, callID, output string) (*run.Run, error) {
	rec, err := ec.update(ctx, func(r *run.Run) error {
		return r.SubmitAction(callID, output, ec.rt.now())
	})
	if err != nil {
		return nil, err
	}
	if rec.Status == run.StatusInProgress {
		ec.publishRun(ctx, stream.EventRunInProgress, rec)
	}
	return rec, nil
}

// ResolveToolCall records the output of a synchronous tool call.
func (ec *ExecutionContext) ResolveToolCall(ctx context.Context, callID, output string) (*run.Run, error) {
	return ec.update(ctx, func(r *run.Run) error {
		return r.ResolveToolCall(callID, output, ec.rt.now())
	})
}

// Expire moves the run to expired once its required action deadline has
// elapsed and publishes the expired event. On failure the returned run, when
// non-nil, is the state that rejected the transition.
func (ec *ExecutionContext) Expire(ctx context.Context) (*run.Run, error) {
	rec, err := ec.update(ctx, func(r *run.Run) error {
		return r.Expire(ec.rt.now())
	})
	if err != nil {
		return rec, err
	}
	ec.rt.metrics.IncCounter(telemetry.MetricRunsExpired, 1, "source", "waiter")
	ec.publishRun(ctx, stream.EventRunExpired, rec)
	return rec, nil
}

// EndTurn publishes the Done sentinel when the turn policy ends turns on
// required actions. It is a no-op under TurnPolicyContinue or when the turn
// has already ended.
func (ec *ExecutionContext) EndTurn(ctx context.Context) error {
	if !ec.rt.policy.EndsTurnOnAction() {
		return nil
	}
	return ec.endTurn(ctx)
}

// endTurn publishes Done for the current turn unless it already ended.
func (ec *ExecutionContext) endTurn(ctx context.Context) error {
	ec.mu.Lock()
	if ec.turnEnded {
		ec.mu.Unlock()
		return nil
	}
	ec.turnEnded = true
	turn := ec.turn
	ec.mu.Unlock()
	return ec.rt.sink.Send(ctx, stream.Done(ec.runID, turn))
}

// openTurn returns the turn new events belong to, starting a new one after
// EndTurn.
func (ec *ExecutionContext) openTurn() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.turnEnded {
		ec.turn++
		ec.turnEnded = false
	}
	return ec.turn
}

func (ec *ExecutionContext) update(ctx context.Context, fn run.Mutation) (*run.Run, error) {
	return run.Update(ctx, ec.rt.store, ec.runID, fn)
}

func (ec *ExecutionContext) publishRun(ctx context.Context, t stream.EventType, rec *run.Run) {
	evt, err := newRunEvent(t, ec.runID, ec.openTurn(), rec)
	if err != nil {
		ec.rt.logger.Error(ctx, "encode run event", "run_id", ec.runID, "event", string(t), "err", err)
		return
	}
	ec.rt.send(ctx, evt)
}

func newRunEvent(t stream.EventType, runID string, turn int, rec *run.Run) (stream.Event, error) {
	return stream.NewEvent(t, runID, turn, apitypes.FromRun(rec))
}

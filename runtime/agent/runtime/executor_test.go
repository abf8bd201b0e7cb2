package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/runwait/apitypes"
	"goa.design/runwait/runtime/agent/pubsub"
	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/stream"
	"goa.design/runwait/runtime/agent/toolerrors"
)

func TestNewRequiresStoreAndPubSub(t *testing.T) {
	_, err := New()
	require.Error(t, err)

	h := newHarness(t)
	_, err = New(WithStore(h.store))
	require.Error(t, err)

	_, err = New(WithStore(h.store), WithPubSub(h.broker), WithActionTimeout(-time.Second))
	require.Error(t, err)

	_, err = New(WithStore(h.store), WithPubSub(h.broker), WithTool(run.ToolTypeFunction, ToolFunc(nil)))
	require.Error(t, err)

	_, err = New(WithStore(h.store), WithPubSub(h.broker),
		WithFunction(FunctionDefinition{Name: "f"}), WithFunction(FunctionDefinition{Name: "f"}))
	require.Error(t, err)

	_, err = New(WithStore(h.store), WithPubSub(h.broker),
		WithFunction(FunctionDefinition{Name: "f", Parameters: []byte(`{"type": 12}`)}))
	require.Error(t, err)
}

func TestSingleFunctionCallResumesWithSubmittedOutput(t *testing.T) {
	h := newHarness(t)
	runID := h.createRun(t)

	var results []Result
	done := h.execute(context.Background(), runID, callingAgent(&results, functionCall("c")))

	h.waitEvents(t, runID, stream.EventDone, 1)
	rec := h.load(t, runID)
	require.Equal(t, run.StatusRequiresAction, rec.Status)
	require.Equal(t, []string{"c"}, rec.RequiredAction.ToolCallIDs)
	assert.Equal(t, 1, h.broker.Subscribers(pubsub.ToolOutputChannel(runID, "c")))

	_, err := h.rt.SubmitToolOutputs(context.Background(), runID, ToolOutput{ToolCallID: "c", Output: "42"})
	require.NoError(t, err)

	res := wait(t, done)
	require.NoError(t, res.err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeResolved, results[0].Outcome)
	assert.Equal(t, "42", results[0].Output)

	assert.Equal(t, run.StatusCompleted, res.run.Status)
	call, ok := res.run.ToolCall("c")
	require.True(t, ok)
	assert.Equal(t, run.ToolCallResolved, call.Status)
	assert.Equal(t, "42", call.Output)
	assert.Zero(t, h.broker.Subscribers(pubsub.ToolOutputChannel(runID, "c")))
	assert.Zero(t, h.broker.Subscribers(pubsub.CancelChannel(runID)))

	assert.Equal(t, []stream.EventType{
		stream.EventRunCreated,
		stream.EventRunInProgress,
		stream.EventRunRequiresAction,
		stream.EventDone,
		stream.EventRunInProgress,
		stream.EventRunCompleted,
		stream.EventDone,
	}, h.eventTypes(runID))
	var turns []int
	for _, e := range h.hub.Events(runID) {
		turns = append(turns, e.Turn)
	}
	assert.Equal(t, []int{1, 1, 1, 1, 2, 2, 2}, turns)

	var announced apitypes.Run
	require.NoError(t, h.hub.Events(runID)[2].Decode(&announced))
	require.NotNil(t, announced.RequiredAction)
	require.Len(t, announced.RequiredAction.SubmitToolOutputs.ToolCalls, 1)
	assert.Equal(t, "c", announced.RequiredAction.SubmitToolOutputs.ToolCalls[0].ID)
}

func TestPartialSubmissionKeepsRunWaiting(t *testing.T) {
	h := newHarness(t)
	runID := h.createRun(t)

	var results []Result
	done := h.execute(context.Background(), runID, callingAgent(&results, functionCall("c1"), functionCall("c2")))
	h.waitEvents(t, runID, stream.EventDone, 1)

	rec := h.load(t, runID)
	require.Equal(t, []string{"c1", "c2"}, rec.RequiredAction.ToolCallIDs)
	assert.Equal(t, 1, countEvents(h.eventTypes(runID), stream.EventDone))

	_, err := h.rt.SubmitToolOutputs(context.Background(), runID, ToolOutput{ToolCallID: "c1", Output: "one"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r := h.load(t, runID)
		c, _ := r.ToolCall("c1")
		return c.Status == run.ToolCallResolved
	}, time.Second, 5*time.Millisecond)

	rec = h.load(t, runID)
	assert.Equal(t, run.StatusRequiresAction, rec.Status)
	assert.Equal(t, []string{"c2"}, rec.RequiredAction.ToolCallIDs)
	require.NoError(t, rec.CheckInvariants())

	_, err = h.rt.SubmitToolOutputs(context.Background(), runID, ToolOutput{ToolCallID: "c2", Output: "two"})
	require.NoError(t, err)

	res := wait(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, run.StatusCompleted, res.run.Status)
	require.Len(t, results, 2)
	assert.Equal(t, "one", results[0].Output)
	assert.Equal(t, "two", results[1].Output)
	assert.Equal(t, "c1", res.run.ToolCalls[0].ID)
	assert.Equal(t, "c2", res.run.ToolCalls[1].ID)
}

func TestContinuePolicyEmitsSingleDone(t *testing.T) {
	h := newHarness(t, WithTurnPolicy(stream.TurnPolicyContinue))
	runID := h.createRun(t)

	var results []Result
	done := h.execute(context.Background(), runID, callingAgent(&results, functionCall("c")))
	h.waitEvents(t, runID, stream.EventRunRequiresAction, 1)

	_, err := h.rt.SubmitToolOutputs(context.Background(), runID, ToolOutput{ToolCallID: "c", Output: "ok"})
	require.NoError(t, err)
	res := wait(t, done)
	require.NoError(t, res.err)

	assert.Equal(t, []stream.EventType{
		stream.EventRunCreated,
		stream.EventRunInProgress,
		stream.EventRunRequiresAction,
		stream.EventRunInProgress,
		stream.EventRunCompleted,
		stream.EventDone,
	}, h.eventTypes(runID))
	for _, e := range h.hub.Events(runID) {
		assert.Equal(t, 1, e.Turn)
	}
}

func TestOutputPublishedOnAnnouncementIsReceived(t *testing.T) {
	hub := &hookSink{}
	h := newHarness(t)
	hub.Hub = h.hub
	rt, err := New(WithStore(h.store), WithPubSub(h.broker), WithStream(hub))
	require.NoError(t, err)
	h.rt = rt

	submitted := make(chan error, 1)
	hub.mu.Lock()
	hub.onSend = func(evt stream.Event) {
		if evt.Type != stream.EventRunRequiresAction {
			return
		}
		_, err := rt.SubmitToolOutputs(context.Background(), evt.RunID, ToolOutput{ToolCallID: "c", Output: "fast"})
		submitted <- err
	}
	hub.mu.Unlock()

	runID := h.createRun(t)
	var results []Result
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res := wait(t, h.execute(ctx, runID, callingAgent(&results, functionCall("c"))))

	require.NoError(t, <-submitted)
	require.NoError(t, res.err)
	assert.Equal(t, run.StatusCompleted, res.run.Status)
	assert.Equal(t, "fast", results[0].Output)
}

func TestCancelRunDuringWait(t *testing.T) {
	h := newHarness(t)
	runID := h.createRun(t)

	var results []Result
	done := h.execute(context.Background(), runID, callingAgent(&results, functionCall("c")))
	h.waitEvents(t, runID, stream.EventDone, 1)

	rec, err := h.rt.CancelRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRequiresAction, rec.Status)

	res := wait(t, done)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, ErrCanceled)
	assert.ErrorIs(t, res.err, ErrRunCancelled)
	var canceled *CanceledError
	require.ErrorAs(t, res.err, &canceled)
	assert.Equal(t, "c", canceled.ToolCallID)

	assert.Equal(t, run.StatusCancelled, res.run.Status)
	assert.Nil(t, res.run.RequiredAction)
	call, _ := res.run.ToolCall("c")
	assert.Equal(t, run.ToolCallPending, call.Status)
	assert.Equal(t, OutcomeCanceled, results[0].Outcome)
	assert.Zero(t, h.broker.Subscribers(pubsub.ToolOutputChannel(runID, "c")))

	types := h.eventTypes(runID)
	assert.Equal(t, stream.EventRunCancelled, types[len(types)-2])
	assert.Equal(t, stream.EventDone, types[len(types)-1])

	_, err = h.rt.CancelRun(context.Background(), runID)
	assert.ErrorIs(t, err, run.ErrTerminal)
}

func TestShutdownLeavesRunResumable(t *testing.T) {
	h := newHarness(t)
	runID := h.createRun(t)

	ctx, cancel := context.WithCancel(context.Background())
	var results []Result
	done := h.execute(ctx, runID, callingAgent(&results, functionCall("c")))
	h.waitEvents(t, runID, stream.EventDone, 1)
	cancel()

	res := wait(t, done)
	assert.ErrorIs(t, res.err, ErrCanceled)
	assert.ErrorIs(t, res.err, context.Canceled)

	rec := h.load(t, runID)
	assert.Equal(t, run.StatusRequiresAction, rec.Status)
	assert.Equal(t, []string{"c"}, rec.RequiredAction.ToolCallIDs)
	assert.Zero(t, h.broker.Subscribers(pubsub.ToolOutputChannel(runID, "c")))
}

func TestExpiredActionExpiresRun(t *testing.T) {
	h := newHarness(t, WithActionTimeout(50*time.Millisecond))
	runID := h.createRun(t)

	var results []Result
	res := wait(t, h.execute(context.Background(), runID, callingAgent(&results, functionCall("c"))))

	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, ErrExpired)
	var te *toolerrors.ToolError
	require.ErrorAs(t, res.err, &te)
	assert.Equal(t, "c", te.ToolCallID)

	assert.Equal(t, run.StatusExpired, res.run.Status)
	assert.False(t, res.run.ExpiredAt.IsZero())
	call, _ := res.run.ToolCall("c")
	assert.Equal(t, run.ToolCallPending, call.Status)
	assert.Equal(t, []stream.EventType{
		stream.EventRunCreated,
		stream.EventRunInProgress,
		stream.EventRunRequiresAction,
		stream.EventDone,
		stream.EventRunExpired,
		stream.EventDone,
	}, h.eventTypes(runID))
	assert.Zero(t, h.broker.Subscribers(pubsub.ToolOutputChannel(runID, "c")))
}

func TestSynchronousToolsResolveInline(t *testing.T) {
	clock := ToolFunc(func(context.Context, *ExecutionContext, run.ToolCall) (string, error) {
		return "12:00", nil
	})
	h := newHarness(t, WithTool(run.ToolTypeSystem, clock))
	runID := h.createRun(t)

	var results []Result
	res := wait(t, h.execute(context.Background(), runID,
		callingAgent(&results, run.ToolCall{ID: "s", Type: run.ToolTypeSystem, Name: "clock"})))

	require.NoError(t, res.err)
	assert.Equal(t, run.StatusCompleted, res.run.Status)
	assert.Equal(t, "12:00", results[0].Output)
	call, _ := res.run.ToolCall("s")
	assert.Equal(t, run.ToolCallResolved, call.Status)
	assert.NotContains(t, h.eventTypes(runID), stream.EventRunRequiresAction)
}

func TestMissingToolFailsRun(t *testing.T) {
	h := newHarness(t)
	runID := h.createRun(t)

	var results []Result
	res := wait(t, h.execute(context.Background(), runID,
		callingAgent(&results, run.ToolCall{ID: "ci", Type: run.ToolTypeCodeInterpreter})))

	assert.ErrorIs(t, res.err, ErrNoTool)
	assert.Equal(t, run.StatusFailed, res.run.Status)
	require.NotNil(t, res.run.LastError)
	assert.Equal(t, FailureCode, res.run.LastError.Code)
}

func TestAgentReturningWithPendingCallsFails(t *testing.T) {
	h := newHarness(t)
	runID := h.createRun(t)

	agent := AgentFunc(func(ctx context.Context, ec *ExecutionContext) error {
		_, err := ec.update(ctx, func(r *run.Run) error {
			return r.AddToolCall(functionCall("orphan"), time.Now())
		})
		return err
	})
	res := wait(t, h.execute(context.Background(), runID, agent))

	require.NoError(t, res.err)
	assert.Equal(t, run.StatusFailed, res.run.Status)
	assert.Contains(t, h.eventTypes(runID), stream.EventRunFailed)
}

func TestAgentErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	runID := h.createRun(t)
	boom := errors.New("boom")

	res := wait(t, h.execute(context.Background(), runID, AgentFunc(func(context.Context, *ExecutionContext) error {
		return boom
	})))

	assert.ErrorIs(t, res.err, boom)
	assert.Equal(t, run.StatusFailed, res.run.Status)
	assert.Equal(t, "boom", res.run.LastError.Message)
}

func TestExecuteRejectsStartedRun(t *testing.T) {
	h := newHarness(t)
	ec := h.startedContext(t)

	_, err := h.rt.Execute(context.Background(), ec.RunID(), AgentFunc(func(context.Context, *ExecutionContext) error {
		t.Fatal("agent must not run")
		return nil
	}))
	assert.ErrorIs(t, err, run.ErrInvalidTransition)
}

func TestInvalidArgumentsFailBeforeSuspending(t *testing.T) {
	h := newHarness(t, WithFunction(FunctionDefinition{
		Name:       "weather",
		Parameters: []byte(`{"type":"object","required":["city"],"properties":{"city":{"type":"string"}}}`),
	}))
	runID := h.createRun(t)

	var results []Result
	call := run.ToolCall{ID: "w", Type: run.ToolTypeFunction, Name: "weather", Arguments: []byte(`{"zip":"94107"}`)}
	res := wait(t, h.execute(context.Background(), runID, callingAgent(&results, call)))

	assert.ErrorIs(t, res.err, ErrInvalidArguments)
	assert.Equal(t, run.StatusFailed, res.run.Status)
	assert.NotContains(t, h.eventTypes(runID), stream.EventRunRequiresAction)
}

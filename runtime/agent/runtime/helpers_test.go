package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/runwait/runtime/agent/pubsub"
	psinmem "goa.design/runwait/runtime/agent/pubsub/inmem"
	"goa.design/runwait/runtime/agent/run"
	runinmem "goa.design/runwait/runtime/agent/run/inmem"
	"goa.design/runwait/runtime/agent/stream"
	streaminmem "goa.design/runwait/runtime/agent/stream/inmem"
)

type harness struct {
	rt     *Runtime
	store  *runinmem.Store
	broker *psinmem.Broker
	hub    *streaminmem.Hub
}

type execResult struct {
	run *run.Run
	err error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: runinmem.New(), broker: psinmem.New(), hub: streaminmem.NewHub()}
	base := []Option{WithStore(h.store), WithPubSub(h.broker), WithStream(h.hub)}
	rt, err := New(append(base, opts...)...)
	require.NoError(t, err)
	h.rt = rt
	t.Cleanup(h.broker.Close)
	return h
}

// createRun creates a queued run through the runtime.
func (h *harness) createRun(t *testing.T) string {
	t.Helper()
	rec, err := h.rt.CreateRun(context.Background(), "thread_1", "agent_1", nil)
	require.NoError(t, err)
	return rec.ID
}

// execute runs agent on runID in the background.
func (h *harness) execute(ctx context.Context, runID string, agent Agent) <-chan execResult {
	done := make(chan execResult, 1)
	go func() {
		rec, err := h.rt.Execute(ctx, runID, agent)
		done <- execResult{run: rec, err: err}
	}()
	return done
}

// startedContext returns an execution context on a started run holding the
// given pending tool calls.
func (h *harness) startedContext(t *testing.T, calls ...run.ToolCall) *ExecutionContext {
	t.Helper()
	ctx := context.Background()
	runID := h.createRun(t)
	ec := newExecutionContext(h.rt, runID)
	_, err := ec.update(ctx, func(r *run.Run) error {
		if err := r.Start(time.Now()); err != nil {
			return err
		}
		for _, c := range calls {
			if err := r.AddToolCall(c, time.Now()); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ec
}

// waitEvents blocks until the run stream holds n events of type typ.
func (h *harness) waitEvents(t *testing.T, runID string, typ stream.EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		var count int
		for _, e := range h.hub.Events(runID) {
			if e.Type == typ {
				count++
			}
		}
		return count >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s events", n, typ)
}

func (h *harness) eventTypes(runID string) []stream.EventType {
	var out []stream.EventType
	for _, e := range h.hub.Events(runID) {
		out = append(out, e.Type)
	}
	return out
}

func countEvents(types []stream.EventType, typ stream.EventType) int {
	var n int
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

func (h *harness) load(t *testing.T, runID string) *run.Run {
	t.Helper()
	rec, err := h.store.Load(context.Background(), runID)
	require.NoError(t, err)
	return rec
}

func wait(t *testing.T, ch <-chan execResult) execResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not finish")
		return execResult{}
	}
}

func functionCall(id string) run.ToolCall {
	return run.ToolCall{ID: id, Type: run.ToolTypeFunction, Name: "lookup"}
}

// callingAgent calls the given tools once and reports the results.
func callingAgent(results *[]Result, calls ...run.ToolCall) Agent {
	return AgentFunc(func(ctx context.Context, ec *ExecutionContext) error {
		res, err := ec.CallTools(ctx, calls...)
		*results = res
		return err
	})
}

// flakyPubSub fails subscriptions to tool output channels.
type flakyPubSub struct {
	*psinmem.Broker
}

var errBrokerDown = errors.New("broker unreachable")

func (f flakyPubSub) Subscribe(ctx context.Context, channel string) (pubsub.Subscription, error) {
	if strings.Contains(channel, ":call:") {
		return nil, errBrokerDown
	}
	return f.Broker.Subscribe(ctx, channel)
}

// hookSink forwards to a hub and calls onSend synchronously for each event.
type hookSink struct {
	*streaminmem.Hub
	mu     sync.Mutex
	onSend func(stream.Event)
}

func (s *hookSink) Send(ctx context.Context, evt stream.Event) error {
	if err := s.Hub.Send(ctx, evt); err != nil {
		return err
	}
	s.mu.Lock()
	fn := s.onSend
	s.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
	return nil
}

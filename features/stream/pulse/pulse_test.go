package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/runwait/features/stream/pulse/clients/pulse"
	"goa.design/runwait/runtime/agent/stream"
)

// fakeClient is an in-memory clientspulse.Client recording what is added and
// replaying it to sinks.
type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

type fakeStream struct {
	mu      sync.Mutex
	added   []*streaming.Event
	sinks   []*fakeSink
	addErr  error
	sinkOps int
}

type fakeSink struct {
	name   string
	ch     chan *streaming.Event
	acked  []string
	closed bool
	mu     sync.Mutex
}

func newFakeClient() *fakeClient { return &fakeClient{streams: make(map[string]*fakeStream)} }

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	evt := &streaming.Event{ID: time.Now().Format("150405.000000000"), EventName: event, Payload: payload}
	s.added = append(s.added, evt)
	for _, sk := range s.sinks {
		sk.ch <- evt
	}
	return evt.ID, nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinkOps++
	sk := &fakeSink{name: name, ch: make(chan *streaming.Event, 64)}
	for _, evt := range s.added {
		sk.ch <- evt
	}
	s.sinks = append(s.sinks, sk)
	return sk, nil
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func TestSendPublishesEventOnRunStream(t *testing.T) {
	cli := newFakeClient()
	var published []stream.Event
	sink, err := NewSink(Options{Client: cli, OnPublished: func(_ context.Context, e stream.Event) error {
		published = append(published, e)
		return nil
	}})
	require.NoError(t, err)

	evt, err := stream.NewEvent(stream.EventRunRequiresAction, "run_1", 1, map[string]string{"status": "requires_action"})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), evt))

	str := cli.streams["run/run_1"]
	require.NotNil(t, str)
	require.Len(t, str.added, 1)
	require.Equal(t, "thread.run.requires_action", str.added[0].EventName)
	var decoded stream.Event
	require.NoError(t, json.Unmarshal(str.added[0].Payload, &decoded))
	require.Equal(t, evt.Data, decoded.Data)
	require.Equal(t, 1, decoded.Turn)

	require.Len(t, published, 1)
	require.Equal(t, str.added[0].ID, published[0].ID)
	require.NoError(t, sink.Close(context.Background()))
}

func TestSendRequiresRunID(t *testing.T) {
	sink, err := NewSink(Options{Client: newFakeClient()})
	require.NoError(t, err)
	require.Error(t, sink.Send(context.Background(), stream.Event{Type: stream.EventDone}))
}

func TestSendPropagatesAddError(t *testing.T) {
	cli := newFakeClient()
	s, _ := cli.Stream("run/run_1")
	s.(*fakeStream).addErr = errors.New("redis down")
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.ErrorContains(t, sink.Send(context.Background(), stream.Done("run_1", 1)), "redis down")
}

func TestSubscribeStopsAfterDone(t *testing.T) {
	ctx := context.Background()
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	inProgress, err := stream.NewEvent(stream.EventRunInProgress, "run_1", 1, map[string]string{})
	require.NoError(t, err)
	require.NoError(t, sink.Send(ctx, inProgress))

	events, errs, cancel, err := sub.Subscribe(ctx, "run_1", "")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, sink.Send(ctx, stream.Done("run_1", 1)))

	var got []stream.Event
	for evt := range events {
		got = append(got, evt)
	}
	require.Len(t, got, 2)
	require.Equal(t, stream.EventRunInProgress, got[0].Type)
	require.True(t, got[1].IsDone())
	require.NotEmpty(t, got[1].ID)
	require.NoError(t, <-errs)

	str := cli.streams["run/run_1"]
	sk := str.sinks[0]
	require.Eventually(t, func() bool {
		sk.mu.Lock()
		defer sk.mu.Unlock()
		return sk.closed && len(sk.acked) == 2
	}, time.Second, 5*time.Millisecond)
	require.Contains(t, sk.name, "runwait_observer_")
}

func TestConcurrentObserversUseDistinctGroups(t *testing.T) {
	ctx := context.Background()
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	_, _, c1, err := sub.Subscribe(ctx, "run_1", "")
	require.NoError(t, err)
	defer c1()
	_, _, c2, err := sub.Subscribe(ctx, "run_1", "1-0")
	require.NoError(t, err)
	defer c2()
	str := cli.streams["run/run_1"]
	str.mu.Lock()
	defer str.mu.Unlock()
	require.Equal(t, 2, str.sinkOps)
	require.NotEqual(t, str.sinks[0].name, str.sinks[1].name)
}

func TestSubscribeReportsDecodeError(t *testing.T) {
	ctx := context.Background()
	cli := newFakeClient()
	s, _ := cli.Stream("run/run_1")
	_, err := s.Add(ctx, "done", []byte("not json"))
	require.NoError(t, err)

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(ctx, "run_1", "")
	require.NoError(t, err)
	defer cancel()
	require.ErrorContains(t, <-errs, "pulse decode payload")
	_, ok := <-events
	require.False(t, ok)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
	_, err = NewSubscriber(SubscriberOptions{})
	require.Error(t, err)
	_, err = clientspulse.New(clientspulse.Options{})
	require.Error(t, err)
}

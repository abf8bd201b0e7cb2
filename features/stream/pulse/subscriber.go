package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/runwait/features/stream/pulse/clients/pulse"
	"goa.design/runwait/runtime/agent/stream"
)

type (
	// SubscriberOptions configures a Pulse backed subscriber.
	SubscriberOptions struct {
		// Client reads the streams. Required.
		Client clientspulse.Client
		// SinkPrefix prefixes the per-observer consumer group names. Defaults
		// to "runwait_observer".
		SinkPrefix string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber observes run streams. Every observation opens its own
	// consumer group so that concurrent observers each see every event.
	Subscriber struct {
		client clientspulse.Client
		prefix string
		buffer int
	}
)

var _ stream.Subscriber = (*Subscriber)(nil)

// NewSubscriber returns a Pulse backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	prefix := opts.SinkPrefix
	if prefix == "" {
		prefix = "runwait_observer"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, prefix: prefix, buffer: buffer}, nil
}

// Subscribe implements stream.Subscriber. Without afterID the observation
// starts at the oldest retained event of the run.
func (s *Subscriber) Subscribe(ctx context.Context, runID, afterID string) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	name, err := StreamName(runID)
	if err != nil {
		return nil, nil, nil, err
	}
	str, err := s.client.Stream(name)
	if err != nil {
		return nil, nil, nil, err
	}
	start := streamopts.WithSinkStartAtOldest()
	if afterID != "" {
		start = streamopts.WithSinkStartAfter(afterID)
	}
	sink, err := str.NewSink(ctx, s.prefix+"_"+uuid.NewString(), start)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, cancel, nil
}

// consume forwards decoded events until the turn sentinel, acknowledging
// each one once delivered.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	defer sink.Close(context.Background())
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := decodeEvent(evt)
			if err != nil {
				errs <- err
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
			if decoded.IsDone() {
				return
			}
		}
	}
}

func decodeEvent(evt *streaming.Event) (stream.Event, error) {
	var decoded stream.Event
	if err := json.Unmarshal(evt.Payload, &decoded); err != nil {
		return stream.Event{}, fmt.Errorf("pulse decode payload: %w", err)
	}
	decoded.ID = evt.ID
	return decoded, nil
}

// Package pulse publishes run events to goa.design/pulse streams and observes
// them from any node. Each run has its own stream named `run/<RunID>`; entries
// are JSON encoded stream.Event values keyed by event name.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/runwait/features/stream/pulse/clients/pulse"
	"goa.design/runwait/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes events. Required.
		Client clientspulse.Client
		// OnPublished, when set, is called after each successful Add with the
		// Redis entry ID assigned to the event.
		OnPublished func(ctx context.Context, event stream.Event) error
	}

	// Sink is a stream.Sink writing to Pulse. It is safe for concurrent use.
	Sink struct {
		client      clientspulse.Client
		onPublished func(context.Context, stream.Event) error
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink returns a Pulse backed sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Sink{client: opts.Client, onPublished: opts.OnPublished}, nil
}

// Send appends event to the run stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	name, err := StreamName(event.RunID)
	if err != nil {
		return err
	}
	str, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}
	id, err := str.Add(ctx, string(event.Type), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		event.ID = id
		return s.onPublished(ctx, event)
	}
	return nil
}

// Close is a no-op: the Redis connection belongs to the caller.
func (s *Sink) Close(context.Context) error { return nil }

// StreamName returns the Pulse stream holding the events of runID.
func StreamName(runID string) (string, error) {
	if runID == "" {
		return "", errors.New("stream event missing run id")
	}
	return "run/" + runID, nil
}

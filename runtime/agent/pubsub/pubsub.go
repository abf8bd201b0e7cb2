// Package pubsub defines the broker-agnostic notification primitive used to
// hand tool outputs from the submission path to a suspended function tool.
//
// Channels are ephemeral: a message published while nobody is subscribed is
// lost and no history is replayed to late subscribers. Correctness therefore
// depends on subscribing before announcing that an output is expected.
package pubsub

import (
	"context"
	"errors"
	"fmt"
)

type (
	// PubSub publishes messages to named channels and opens subscriptions on
	// them. Implementations must be safe for concurrent use.
	PubSub interface {
		// Subscribe opens a subscription on channel. It returns only once the
		// broker has confirmed the subscription, so that any message published
		// after Subscribe returns is delivered to it.
		Subscribe(ctx context.Context, channel string) (Subscription, error)
		// Publish sends payload to every current subscriber of channel and
		// returns how many subscribers received it.
		Publish(ctx context.Context, channel, payload string) (int64, error)
	}

	// Subscription is a lazy sequence of messages published on one channel.
	Subscription interface {
		// Channel returns the subscribed channel name.
		Channel() string
		// Messages returns the delivery channel. It is closed after Close.
		Messages() <-chan Message
		// Close unsubscribes and releases broker resources. It is idempotent.
		Close(ctx context.Context) error
	}

	// Message is a payload received on a channel.
	Message struct {
		Channel string
		Payload string
	}
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("pubsub: closed")

// ToolOutputChannel returns the channel carrying the output of one tool call.
// The naming scheme is shared by every process taking part in the protocol.
func ToolOutputChannel(runID, toolCallID string) string {
	return fmt.Sprintf("run:%s:call:%s:output", runID, toolCallID)
}

// CancelChannel returns the channel used to ask the process executing a run
// to cancel it.
func CancelChannel(runID string) string {
	return fmt.Sprintf("run:%s:cancel", runID)
}

package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/runwait/runtime/agent/pubsub"
)

func TestChannelNaming(t *testing.T) {
	require.Equal(t, "run:run_1:call:call_9:output", pubsub.ToolOutputChannel("run_1", "call_9"))
	require.Equal(t, "run:run_1:cancel", pubsub.CancelChannel("run_1"))
}

func TestSubscribeThenPublishDeliversPayload(t *testing.T) {
	ctx := context.Background()
	b := New()
	ch := pubsub.ToolOutputChannel("r", "c")
	sub, err := b.Subscribe(ctx, ch)
	require.NoError(t, err)
	require.Equal(t, ch, sub.Channel())

	n, err := b.Publish(ctx, ch, "42")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	select {
	case msg := <-sub.Messages():
		require.Equal(t, pubsub.Message{Channel: ch, Payload: "42"}, msg)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublishBeforeSubscribeIsLost(t *testing.T) {
	ctx := context.Background()
	b := New()
	n, err := b.Publish(ctx, "c", "early")
	require.NoError(t, err)
	require.Zero(t, n)

	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message %q", msg.Payload)
	default:
	}
}

func TestChannelsDoNotCrossTalk(t *testing.T) {
	ctx := context.Background()
	b := New()
	s1, err := b.Subscribe(ctx, pubsub.ToolOutputChannel("r", "c1"))
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, pubsub.ToolOutputChannel("r", "c2"))
	require.NoError(t, err)

	_, err = b.Publish(ctx, pubsub.ToolOutputChannel("r", "c2"), "two")
	require.NoError(t, err)

	require.Equal(t, "two", (<-s2.Messages()).Payload)
	select {
	case <-s1.Messages():
		t.Fatal("c1 subscriber received c2 output")
	default:
	}
}

func TestCloseReleasesSubscription(t *testing.T) {
	ctx := context.Background()
	b := New()
	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 1, b.Subscribers("c"))

	require.NoError(t, sub.Close(ctx))
	require.NoError(t, sub.Close(ctx), "close is idempotent")
	require.Zero(t, b.Subscribers("c"))
	_, ok := <-sub.Messages()
	require.False(t, ok, "messages channel closed")

	n, err := b.Publish(ctx, "c", "x")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestClosedBrokerRejects(t *testing.T) {
	ctx := context.Background()
	b := New()
	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	b.Close()
	_, ok := <-sub.Messages()
	require.False(t, ok)
	require.NoError(t, sub.Close(ctx))
	_, err = b.Subscribe(ctx, "c")
	require.ErrorIs(t, err, pubsub.ErrClosed)
	_, err = b.Publish(ctx, "c", "x")
	require.ErrorIs(t, err, pubsub.ErrClosed)
}

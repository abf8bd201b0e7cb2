// Package redis implements pubsub.PubSub on top of Redis PUBLISH/SUBSCRIBE so
// that tool outputs submitted to any API node reach the process hosting the
// suspended tool call.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"goa.design/runwait/runtime/agent/pubsub"
)

type (
	// PubSub is a Redis-backed pubsub.PubSub.
	PubSub struct {
		rdb redis.UniversalClient
	}

	subscription struct {
		ps      *redis.PubSub
		channel string
		msgs    chan pubsub.Message
		done    chan struct{}
		once    sync.Once
		err     error
	}
)

var _ pubsub.PubSub = (*PubSub)(nil)

// New returns a PubSub using rdb. The client is owned by the caller.
func New(rdb redis.UniversalClient) (*PubSub, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &PubSub{rdb: rdb}, nil
}

// Subscribe issues SUBSCRIBE and blocks until Redis acknowledges it.
func (p *PubSub) Subscribe(ctx context.Context, channel string) (pubsub.Subscription, error) {
	ps := p.rdb.Subscribe(ctx, channel)
	// The first reply on a fresh connection is the subscription confirmation.
	msg, err := ps.Receive(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}
	if _, ok := msg.(*redis.Subscription); !ok {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %q: unexpected reply %T", channel, msg)
	}
	s := &subscription{
		ps:      ps,
		channel: channel,
		msgs:    make(chan pubsub.Message),
		done:    make(chan struct{}),
	}
	go s.forward(ps.Channel())
	return s, nil
}

// Publish issues PUBLISH and returns the number of receiving clients.
func (p *PubSub) Publish(ctx context.Context, channel, payload string) (int64, error) {
	n, err := p.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %q: %w", channel, err)
	}
	return n, nil
}

func (s *subscription) Channel() string                 { return s.channel }
func (s *subscription) Messages() <-chan pubsub.Message { return s.msgs }

func (s *subscription) Close(context.Context) error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}

func (s *subscription) forward(in <-chan *redis.Message) {
	defer close(s.msgs)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.msgs <- pubsub.Message{Channel: m.Channel, Payload: m.Payload}:
			case <-s.done:
				return
			}
		}
	}
}

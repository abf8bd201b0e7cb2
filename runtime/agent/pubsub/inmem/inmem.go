// Package inmem provides a process-local pubsub.PubSub. It mirrors the
// semantics of Redis pub/sub (fire and forget, no history) and is meant for
// tests and single-process deployments.
package inmem

import (
	"context"
	"sync"

	"goa.design/runwait/runtime/agent/pubsub"
)

// DefaultBuffer is the per-subscription delivery buffer.
const DefaultBuffer = 16

type (
	// Broker is an in-memory pubsub.PubSub.
	Broker struct {
		mu     sync.RWMutex
		subs   map[string]map[*subscription]struct{}
		buffer int
		closed bool
	}

	subscription struct {
		broker  *Broker
		channel string
		msgs    chan pubsub.Message
		once    sync.Once
	}
)

var _ pubsub.PubSub = (*Broker)(nil)

// New returns an empty broker.
func New() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{}), buffer: DefaultBuffer}
}

// Subscribe registers a subscription. Registration is synchronous, so the
// subscription is confirmed when Subscribe returns.
func (b *Broker) Subscribe(ctx context.Context, channel string) (pubsub.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pubsub.ErrClosed
	}
	s := &subscription{broker: b, channel: channel, msgs: make(chan pubsub.Message, b.buffer)}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Publish delivers payload to the current subscribers of channel. Slow
// subscribers whose buffer is full miss the message, like Redis clients that
// fall behind.
func (b *Broker) Publish(ctx context.Context, channel, payload string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, pubsub.ErrClosed
	}
	var n int64
	for s := range b.subs[channel] {
		select {
		case s.msgs <- pubsub.Message{Channel: channel, Payload: payload}:
			n++
		default:
		}
	}
	return n, nil
}

// Subscribers returns the number of open subscriptions on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close closes every subscription and rejects further use.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.once.Do(func() { close(s.msgs) })
		}
	}
	b.subs = nil
}

func (s *subscription) Channel() string                 { return s.channel }
func (s *subscription) Messages() <-chan pubsub.Message { return s.msgs }

func (s *subscription) Close(context.Context) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
	s.once.Do(func() { close(s.msgs) })
	return nil
}

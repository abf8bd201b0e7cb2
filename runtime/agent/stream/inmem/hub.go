// Package inmem provides a process-local run event stream. The Hub keeps the
// full history of each run so observers may connect late or resume after a
// given event, matching the behavior of the Pulse backed stream.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"goa.design/runwait/runtime/agent/stream"
)

type (
	// Hub is an in-memory stream.Sink and stream.Subscriber.
	Hub struct {
		mu     sync.Mutex
		runs   map[string]*runLog
		closed bool
		buffer int
	}

	runLog struct {
		events []stream.Event
		notify chan struct{}
	}
)

var (
	_ stream.Sink       = (*Hub)(nil)
	_ stream.Subscriber = (*Hub)(nil)
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("stream hub closed")

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{runs: make(map[string]*runLog), buffer: 64}
}

// Send appends event to the run log and wakes up observers.
func (h *Hub) Send(_ context.Context, event stream.Event) error {
	if event.RunID == "" {
		return errors.New("stream event missing run id")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	l := h.logLocked(event.RunID)
	event.ID = strconv.Itoa(len(l.events) + 1)
	l.events = append(l.events, event)
	close(l.notify)
	l.notify = make(chan struct{})
	return nil
}

// Close wakes up every observer. Observers drain what was already published.
func (h *Hub) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, l := range h.runs {
		close(l.notify)
	}
	return nil
}

// Events returns a copy of everything published for runID.
func (h *Hub) Events(runID string) []stream.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.runs[runID]
	if !ok {
		return nil
	}
	return append([]stream.Event(nil), l.events...)
}

// Subscribe implements stream.Subscriber.
func (h *Hub) Subscribe(ctx context.Context, runID, afterID string) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	cursor := 0
	if afterID != "" {
		n, err := strconv.Atoi(afterID)
		if err != nil || n < 0 {
			return nil, nil, nil, fmt.Errorf("invalid event id %q", afterID)
		}
		cursor = n
	}
	h.mu.Lock()
	h.logLocked(runID)
	h.mu.Unlock()

	events := make(chan stream.Event, h.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go h.consume(runCtx, runID, cursor, events, errs)
	return events, errs, cancel, nil
}

func (h *Hub) consume(ctx context.Context, runID string, cursor int, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	for {
		h.mu.Lock()
		l := h.runs[runID]
		pending := append([]stream.Event(nil), l.events[min(cursor, len(l.events)):]...)
		notify, closed := l.notify, h.closed
		h.mu.Unlock()

		for _, evt := range pending {
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
			cursor++
			if evt.IsDone() {
				return
			}
		}
		if len(pending) > 0 {
			continue
		}
		if closed {
			errs <- ErrClosed
			return
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) logLocked(runID string) *runLog {
	l, ok := h.runs[runID]
	if !ok {
		l = &runLog{notify: make(chan struct{})}
		if h.closed {
			close(l.notify)
		}
		h.runs[runID] = l
	}
	return l
}

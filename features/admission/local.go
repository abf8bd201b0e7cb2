package admission

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalCounter is a process-local Counter bounded to a fixed number of keys.
// The least recently used keys are evicted first, which resets their
// windows.
type LocalCounter struct {
	mu      sync.Mutex
	windows *expirable.LRU[string, *fixedWindow]
	now     func() time.Time
}

type fixedWindow struct {
	start time.Time
	hits  int64
}

var _ Counter = (*LocalCounter)(nil)

// NewLocalCounter returns a counter tracking at most size keys. Entries
// expire after ttl, which should be the gate window.
func NewLocalCounter(size int, ttl time.Duration) *LocalCounter {
	return &LocalCounter{
		windows: expirable.NewLRU[string, *fixedWindow](size, nil, ttl),
		now:     time.Now,
	}
}

// Incr implements Counter.
func (c *LocalCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w, ok := c.windows.Get(key)
	if !ok || !now.Before(w.start.Add(window)) {
		w = &fixedWindow{start: now}
		c.windows.Add(key, w)
	}
	w.hits++
	return w.hits, w.start.Add(window).Sub(now), nil
}

// Len returns the number of tracked keys.
func (c *LocalCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windows.Len()
}

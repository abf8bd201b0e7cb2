// Package redis provides an admission.Counter shared by every serving process
// through Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/runwait/features/admission"
)

// Counter implements admission.Counter with a Lua script incrementing a key
// that expires at the end of its window.
type Counter struct {
	rdb redis.Scripter
}

var _ admission.Counter = (*Counter)(nil)

// incrScript increments KEYS[1], starts its window of ARGV[1] milliseconds on
// the first hit and returns the hit count and the window time left.
var incrScript = redis.NewScript(`
local hits = redis.call('INCR', KEYS[1])
if hits == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

// New returns a counter using rdb.
func New(rdb redis.Scripter) (*Counter, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Counter{rdb: rdb}, nil
}

// Incr implements admission.Counter.
func (c *Counter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("incr rate-limit counter: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("incr rate-limit counter: unexpected reply %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

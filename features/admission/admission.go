// Package admission implements the fixed-window rate limiter guarding the
// HTTP API. Each request is attributed to a caller identity (access token,
// derived API key digest or client address) and counted against a budget
// that resets at the end of every window.
//
// Counters live in a Counter: features/admission/redis shares them across
// serving processes, the local LRU counter keeps them in memory. A counter
// that cannot be reached never blocks traffic: the gate admits the request
// and logs a throttled warning.
package admission

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"goa.design/runwait/runtime/agent/telemetry"
)

type (
	// Counter counts hits per key in fixed windows.
	Counter interface {
		// Incr records one hit for key. The window starts with the first hit
		// and lasts window. It returns the number of hits in the current
		// window and the time left until it resets.
		Incr(ctx context.Context, key string, window time.Duration) (hits int64, ttl time.Duration, err error)
	}

	// Options configures a Gate. Zero values select the defaults.
	Options struct {
		// Max is the number of requests admitted per window and identity.
		Max int
		// Window is the fixed window length.
		Window time.Duration
		// CacheSize bounds the keys tracked by the local counter.
		CacheSize int
		// Namespace prefixes every counter key.
		Namespace string
		// Counter holds the counters. Defaults to a local LRU counter.
		Counter Counter
		// Timeout bounds each counter call.
		Timeout time.Duration
		// APIKeySalt salts the scrypt digest replacing API keys.
		APIKeySalt string
		Logger     telemetry.Logger
		Metrics    telemetry.Metrics
	}

	// Gate admits or rejects requests.
	Gate struct {
		max       int
		window    time.Duration
		namespace string
		counter   Counter
		timeout   time.Duration
		ids       *identifier
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		failOpen  rate.Sometimes
	}

	// Decision is the state of an identity's budget after a request.
	Decision struct {
		// Limit is the budget per window.
		Limit int
		// Remaining is the number of requests left in the window.
		Remaining int
		// Reset is the time left until the window resets.
		Reset time.Duration
		// Skipped is set when the counter failed and the request was
		// admitted without being counted.
		Skipped bool
	}
)

const (
	// DefaultMax is the default budget per window.
	DefaultMax = 25
	// DefaultWindow is the default window length.
	DefaultWindow = time.Second
	// DefaultCacheSize is the default number of keys tracked locally.
	DefaultCacheSize = 5000
	// DefaultNamespace is the default key prefix.
	DefaultNamespace = "bee-api-ratelimit-"
	// DefaultTimeout is the default counter call timeout.
	DefaultTimeout = time.Second
)

// failOpenInterval throttles the warnings logged when the counter fails.
const failOpenInterval = 10 * time.Second

// New builds a gate.
func New(opts Options) (*Gate, error) {
	if opts.Max < 0 || opts.Window < 0 || opts.CacheSize < 0 {
		return nil, errors.New("admission limits must not be negative")
	}
	g := &Gate{
		max:       opts.Max,
		window:    opts.Window,
		namespace: opts.Namespace,
		counter:   opts.Counter,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		failOpen:  rate.Sometimes{First: 1, Interval: failOpenInterval},
	}
	if g.max == 0 {
		g.max = DefaultMax
	}
	if g.window == 0 {
		g.window = DefaultWindow
	}
	if g.namespace == "" {
		g.namespace = DefaultNamespace
	}
	if g.timeout == 0 {
		g.timeout = DefaultTimeout
	}
	if g.counter == nil {
		size := opts.CacheSize
		if size == 0 {
			size = DefaultCacheSize
		}
		g.counter = NewLocalCounter(size, g.window)
	}
	if g.logger == nil {
		g.logger = telemetry.NoopLogger{}
	}
	if g.metrics == nil {
		g.metrics = telemetry.NoopMetrics{}
	}
	g.ids = newIdentifier(opts.APIKeySalt)
	return g, nil
}

// Max returns the budget per window.
func (g *Gate) Max() int { return g.max }

// Window returns the window length.
func (g *Gate) Window() time.Duration { return g.window }

// Admit counts a request of identity key. It returns a *TooManyRequestsError
// once the budget of the current window is spent. Counter failures admit the
// request.
func (g *Gate) Admit(ctx context.Context, key string) (Decision, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	hits, ttl, err := g.counter.Incr(cctx, g.namespace+key, g.window)
	if err != nil {
		g.metrics.IncCounter(telemetry.MetricAdmissionFailOpen, 1)
		g.failOpen.Do(func() {
			g.logger.Warn(ctx, "rate-limit counter unavailable, admitting requests", "err", err)
		})
		return Decision{Limit: g.max, Remaining: g.max, Reset: g.window, Skipped: true}, nil
	}
	if ttl <= 0 || ttl > g.window {
		ttl = g.window
	}
	d := Decision{Limit: g.max, Remaining: max(g.max-int(hits), 0), Reset: ttl}
	if hits > int64(g.max) {
		g.metrics.IncCounter(telemetry.MetricAdmissionRejected, 1)
		return d, &TooManyRequestsError{Max: g.max, Window: g.window, RetryAfter: ttl}
	}
	return d, nil
}

package runtime

import (
	"context"
	"errors"
	"time"

	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/stream"
	"goa.design/runwait/runtime/agent/telemetry"
)

type (
	// Sweeper expires runs whose required action deadline elapsed while no
	// live execution could do it, for instance because the process hosting
	// the suspended calls died.
	Sweeper struct {
		rt    *Runtime
		grace time.Duration
		batch int
	}

	// SweeperOption configures a Sweeper.
	SweeperOption func(*Sweeper)
)

const (
	// DefaultSweepGrace delays sweeping past the deadline so that live
	// waiters expire their own runs first.
	DefaultSweepGrace = 5 * time.Second
	// DefaultSweepBatch bounds the runs expired per tick.
	DefaultSweepBatch = 100
)

var errNotDue = errors.New("required action not due")

// NewSweeper returns a sweeper for the runs of rt.
func NewSweeper(rt *Runtime, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{rt: rt, grace: DefaultSweepGrace, batch: DefaultSweepBatch}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithSweepGrace sets the delay past the deadline before a run is swept.
func WithSweepGrace(d time.Duration) SweeperOption { return func(s *Sweeper) { s.grace = d } }

// WithSweepBatch sets the maximum number of runs expired per tick.
func WithSweepBatch(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// Run sweeps once per tick until ctx is done or ticks is closed.
func (s *Sweeper) Run(ctx context.Context, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ticks:
			if !ok {
				return nil
			}
			if _, err := s.Sweep(ctx); err != nil {
				s.rt.logger.Error(ctx, "sweep expired runs", "err", err)
			}
		}
	}
}

// Sweep expires the runs whose deadline elapsed more than the grace period
// ago and returns how many it expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.rt.now()
	cutoff := now.Add(-s.grace)
	runs, err := s.rt.store.ListExpired(ctx, cutoff, s.batch)
	if err != nil {
		return 0, err
	}
	var expired int
	for _, candidate := range runs {
		rec, err := run.Update(ctx, s.rt.store, candidate.ID, func(x *run.Run) error {
			if !x.Expired(cutoff) {
				return errNotDue
			}
			return x.Expire(now)
		})
		if err != nil {
			// Resolved, cancelled or expired concurrently.
			if errors.Is(err, errNotDue) || errors.Is(err, run.ErrTerminal) {
				continue
			}
			return expired, err
		}
		expired++
		s.rt.metrics.IncCounter(telemetry.MetricRunsExpired, 1, "source", "sweeper")
		s.rt.logger.Info(ctx, "run expired", "run_id", rec.ID)
		s.rt.publish(ctx, rec.ID, outOfBandTurn, stream.EventRunExpired, rec)
		s.rt.send(ctx, stream.Done(rec.ID, outOfBandTurn))
	}
	return expired, nil
}

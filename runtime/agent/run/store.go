package run

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Store persists run records. Implementations must make Save a
	// compare-and-swap on Version so that concurrent writers serialize.
	Store interface {
		// Create inserts a new record. It returns ErrAlreadyExists when a run with
		// the same ID exists. On success r.Version is set to 1.
		Create(ctx context.Context, r *Run) error
		// Load returns a copy of the record or ErrNotFound.
		Load(ctx context.Context, runID string) (*Run, error)
		// Save replaces the record if the stored version equals r.Version and
		// increments r.Version. It returns ErrVersionConflict otherwise and
		// ErrNotFound when the run does not exist.
		Save(ctx context.Context, r *Run) error
		// ListExpired returns up to limit runs in requires_action whose required
		// action deadline is at or before now.
		ListExpired(ctx context.Context, now time.Time, limit int) ([]*Run, error)
	}

	// Mutation applies a transition to a run. Returning an error aborts the
	// update without persisting anything.
	Mutation func(r *Run) error
)

// DefaultUpdateAttempts bounds the retries of Update on version conflicts.
const DefaultUpdateAttempts = 8

// ErrContention is returned by Update when every attempt lost the race.
var ErrContention = errors.New("run update contention")

// Update is the atomic mutation path shared by every caller: it loads the
// run, applies fn to a copy and saves it with a version check, retrying when
// another writer won the race. fn may run several times and must be free of
// side effects other than mutating the run it receives.
func Update(ctx context.Context, store Store, runID string, fn Mutation) (*Run, error) {
	for range DefaultUpdateAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, err := store.Load(ctx, runID)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return current, err
		}
		err = store.Save(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: run %q", ErrContention, runID)
}

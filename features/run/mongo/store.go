package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	mongoc "goa.design/runwait/features/run/mongo/clients/mongo"
	"goa.design/runwait/runtime/agent/run"
)

type (
	// Store implements run.Store by delegating to the Mongo client.
	Store struct {
		client mongoc.Client
	}

	// Options configures the store.
	Options struct {
		Client mongoc.Client
	}
)

var _ run.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo builds the Mongo client and wraps it in a Store.
func NewStoreFromMongo(opts mongoc.Options) (*Store, error) {
	client, err := mongoc.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Client returns the underlying client, for instance to register it with a
// health checker.
func (s *Store) Client() mongoc.Client { return s.client }

// Create implements run.Store.
func (s *Store) Create(ctx context.Context, r *run.Run) error {
	rec := r.Clone()
	rec.Version = 1
	if err := s.client.InsertRun(ctx, rec); err != nil {
		if errors.Is(err, mongoc.ErrDuplicate) {
			return fmt.Errorf("%w: %s", run.ErrAlreadyExists, r.ID)
		}
		return fmt.Errorf("mongodb create run %q: %w", r.ID, err)
	}
	r.Version = 1
	return nil
}

// Load implements run.Store.
func (s *Store) Load(ctx context.Context, runID string) (*run.Run, error) {
	rec, err := s.client.FindRun(ctx, runID)
	if err != nil {
		if errors.Is(err, mongoc.ErrNoRun) {
			return nil, fmt.Errorf("%w: %s", run.ErrNotFound, runID)
		}
		return nil, fmt.Errorf("mongodb load run %q: %w", runID, err)
	}
	return rec, nil
}

// Save implements run.Store.
func (s *Store) Save(ctx context.Context, r *run.Run) error {
	next := r.Clone()
	next.Version = r.Version + 1
	ok, err := s.client.ReplaceRun(ctx, next, r.Version)
	if err != nil {
		return fmt.Errorf("mongodb save run %q: %w", r.ID, err)
	}
	if !ok {
		if _, err := s.Load(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s at version %d", run.ErrVersionConflict, r.ID, r.Version)
	}
	r.Version = next.Version
	return nil
}

// ListExpired implements run.Store.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*run.Run, error) {
	runs, err := s.client.FindExpired(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("mongodb list expired runs: %w", err)
	}
	return runs, nil
}

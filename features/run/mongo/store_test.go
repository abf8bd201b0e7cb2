package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mongoc "goa.design/runwait/features/run/mongo/clients/mongo"
	"goa.design/runwait/runtime/agent/run"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "client is required")
}

func TestNewStoreFromMongoValidatesOptions(t *testing.T) {
	_, err := NewStoreFromMongo(mongoc.Options{})
	require.EqualError(t, err, "mongo client is required")
}

func TestCreateLoad(t *testing.T) {
	store := newTestStore(t)
	rec := run.New("run_1", "t", "a", time.Now())

	require.NoError(t, store.Create(context.Background(), rec))
	assert.Equal(t, int64(1), rec.Version)
	assert.ErrorIs(t, store.Create(context.Background(), rec), run.ErrAlreadyExists)

	got, err := store.Load(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	_, err = store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, run.ErrNotFound)
}

func TestSaveIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, run.New("run_1", "t", "a", time.Now())))

	first, err := store.Load(ctx, "run_1")
	require.NoError(t, err)
	second, err := store.Load(ctx, "run_1")
	require.NoError(t, err)

	require.NoError(t, first.Start(time.Now()))
	require.NoError(t, store.Save(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	require.NoError(t, second.Cancel(time.Now()))
	assert.ErrorIs(t, store.Save(ctx, second), run.ErrVersionConflict)

	ghost := run.New("ghost", "t", "a", time.Now())
	assert.ErrorIs(t, store.Save(ctx, ghost), run.ErrNotFound)
}

func TestUpdateThroughStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, run.New("run_1", "t", "a", time.Now())))

	rec, err := run.Update(ctx, store, "run_1", func(r *run.Run) error { return r.Start(time.Now()) })
	require.NoError(t, err)
	assert.Equal(t, run.StatusInProgress, rec.Status)
	assert.Equal(t, int64(2), rec.Version)
}

func TestListExpiredDelegates(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient()
	store, err := NewStore(Options{Client: fc})
	require.NoError(t, err)

	now := time.Now()
	_, err = store.ListExpired(ctx, now, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, fc.lastLimit)
	assert.True(t, fc.lastNow.Equal(now))

	fc.err = errors.New("boom")
	_, err = store.ListExpired(ctx, now, 5)
	assert.ErrorContains(t, err, "boom")
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Options{Client: newFakeClient()})
	require.NoError(t, err)
	return store
}

type fakeClient struct {
	mu        sync.Mutex
	runs      map[string]*run.Run
	lastNow   time.Time
	lastLimit int
	err       error
}

func newFakeClient() *fakeClient {
	return &fakeClient{runs: make(map[string]*run.Run)}
}

func (c *fakeClient) Name() string               { return "fake" }
func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) InsertRun(_ context.Context, r *run.Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.runs[r.ID]; ok {
		return mongoc.ErrDuplicate
	}
	c.runs[r.ID] = r.Clone()
	return nil
}

func (c *fakeClient) FindRun(_ context.Context, runID string) (*run.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok {
		return nil, mongoc.ErrNoRun
	}
	return r.Clone(), nil
}

func (c *fakeClient) ReplaceRun(_ context.Context, r *run.Run, version int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.runs[r.ID]
	if !ok || current.Version != version {
		return false, nil
	}
	c.runs[r.ID] = r.Clone()
	return true, nil
}

func (c *fakeClient) FindExpired(_ context.Context, now time.Time, limit int) ([]*run.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastNow, c.lastLimit = now, limit
	return nil, c.err
}

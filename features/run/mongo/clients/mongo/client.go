// Package mongo hosts the MongoDB client used by the run store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/runwait/runtime/agent/run"
)

type (
	// Client exposes Mongo-backed operations on run documents.
	Client interface {
		health.Pinger

		// InsertRun inserts a new run document. It returns ErrDuplicate when
		// a document with the same run ID exists.
		InsertRun(ctx context.Context, r *run.Run) error
		// FindRun returns the run with the given ID or ErrNoRun.
		FindRun(ctx context.Context, runID string) (*run.Run, error)
		// ReplaceRun replaces the document of r if its stored version equals
		// version and reports whether a document matched.
		ReplaceRun(ctx context.Context, r *run.Run, version int64) (bool, error)
		// FindExpired returns up to limit runs in requires_action whose
		// deadline is at or before now, earliest deadline first.
		FindExpired(ctx context.Context, now time.Time, limit int) ([]*run.Run, error)
	}

	// Options configures the Mongo run client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}
)

const (
	defaultRunsCollection = "runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

var (
	// ErrNoRun is returned by FindRun when no document matches.
	ErrNoRun = errors.New("run document not found")
	// ErrDuplicate is returned by InsertRun when the run ID is taken.
	ErrDuplicate = errors.New("run document already exists")
)

// New returns a Client backed by MongoDB. It creates the collection indexes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, fmt.Errorf("create run indexes: %w", err)
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertRun(ctx context.Context, r *run.Run) error {
	if r == nil || r.ID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.coll.InsertOne(ctx, fromRun(r)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (c *client) FindRun(ctx context.Context, runID string) (*run.Run, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, ErrNoRun
		}
		return nil, err
	}
	return doc.toRun(), nil
}

func (c *client) ReplaceRun(ctx context.Context, r *run.Run, version int64) (bool, error) {
	if r == nil || r.ID == "" {
		return false, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": r.ID, "version": version}
	res, err := c.coll.ReplaceOne(ctx, filter, fromRun(r))
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (c *client) FindExpired(ctx context.Context, now time.Time, limit int) (runs []*run.Run, err error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":     string(run.StatusRequiresAction),
		"expires_at": bson.M{"$lte": now.UTC()},
	}
	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "expires_at", Value: 1}}).
		SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		runs = append(runs, doc.toRun())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type (
	runDocument struct {
		RunID          string                  `bson:"run_id"`
		ThreadID       string                  `bson:"thread_id"`
		AgentID        string                  `bson:"agent_id"`
		Status         string                  `bson:"status"`
		RequiredAction *requiredActionDocument `bson:"required_action,omitempty"`
		// ExpiresAt duplicates the required action deadline at the top level
		// so that the sweeper query can use an index.
		ExpiresAt   *time.Time         `bson:"expires_at,omitempty"`
		ToolCalls   []toolCallDocument `bson:"tool_calls,omitempty"`
		LastError   *lastErrorDocument `bson:"last_error,omitempty"`
		Metadata    map[string]string  `bson:"metadata,omitempty"`
		CreatedAt   time.Time          `bson:"created_at"`
		StartedAt   *time.Time         `bson:"started_at,omitempty"`
		CompletedAt *time.Time         `bson:"completed_at,omitempty"`
		FailedAt    *time.Time         `bson:"failed_at,omitempty"`
		CancelledAt *time.Time         `bson:"cancelled_at,omitempty"`
		ExpiredAt   *time.Time         `bson:"expired_at,omitempty"`
		UpdatedAt   time.Time          `bson:"updated_at"`
		Version     int64              `bson:"version"`
	}

	requiredActionDocument struct {
		Type        string   `bson:"type"`
		ToolCallIDs []string `bson:"tool_call_ids"`
	}

	toolCallDocument struct {
		ID         string     `bson:"id"`
		Type       string     `bson:"type"`
		Name       string     `bson:"name,omitempty"`
		Arguments  string     `bson:"arguments,omitempty"`
		Status     string     `bson:"status"`
		Output     string     `bson:"output,omitempty"`
		CreatedAt  time.Time  `bson:"created_at"`
		ResolvedAt *time.Time `bson:"resolved_at,omitempty"`
	}

	lastErrorDocument struct {
		Code    string `bson:"code"`
		Message string `bson:"message"`
	}
)

func fromRun(r *run.Run) runDocument {
	doc := runDocument{
		RunID:       r.ID,
		ThreadID:    r.ThreadID,
		AgentID:     r.AgentID,
		Status:      string(r.Status),
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt.UTC(),
		StartedAt:   timePtr(r.StartedAt),
		CompletedAt: timePtr(r.CompletedAt),
		FailedAt:    timePtr(r.FailedAt),
		CancelledAt: timePtr(r.CancelledAt),
		ExpiredAt:   timePtr(r.ExpiredAt),
		UpdatedAt:   r.UpdatedAt.UTC(),
		Version:     r.Version,
	}
	if ra := r.RequiredAction; ra != nil {
		doc.RequiredAction = &requiredActionDocument{Type: ra.Type, ToolCallIDs: ra.ToolCallIDs}
		doc.ExpiresAt = timePtr(ra.ExpiresAt)
	}
	if le := r.LastError; le != nil {
		doc.LastError = &lastErrorDocument{Code: le.Code, Message: le.Message}
	}
	for _, c := range r.ToolCalls {
		doc.ToolCalls = append(doc.ToolCalls, toolCallDocument{
			ID:         c.ID,
			Type:       string(c.Type),
			Name:       c.Name,
			Arguments:  string(c.Arguments),
			Status:     string(c.Status),
			Output:     c.Output,
			CreatedAt:  c.CreatedAt.UTC(),
			ResolvedAt: timePtr(c.ResolvedAt),
		})
	}
	return doc
}

func (doc runDocument) toRun() *run.Run {
	r := &run.Run{
		ID:          doc.RunID,
		ThreadID:    doc.ThreadID,
		AgentID:     doc.AgentID,
		Status:      run.Status(doc.Status),
		Metadata:    doc.Metadata,
		CreatedAt:   doc.CreatedAt,
		StartedAt:   timeVal(doc.StartedAt),
		CompletedAt: timeVal(doc.CompletedAt),
		FailedAt:    timeVal(doc.FailedAt),
		CancelledAt: timeVal(doc.CancelledAt),
		ExpiredAt:   timeVal(doc.ExpiredAt),
		UpdatedAt:   doc.UpdatedAt,
		Version:     doc.Version,
	}
	if ra := doc.RequiredAction; ra != nil {
		r.RequiredAction = &run.RequiredAction{
			Type:        ra.Type,
			ToolCallIDs: ra.ToolCallIDs,
			ExpiresAt:   timeVal(doc.ExpiresAt),
		}
	}
	if le := doc.LastError; le != nil {
		r.LastError = &run.LastError{Code: le.Code, Message: le.Message}
	}
	for _, c := range doc.ToolCalls {
		call := run.ToolCall{
			ID:         c.ID,
			Type:       run.ToolType(c.Type),
			Name:       c.Name,
			Status:     run.ToolCallStatus(c.Status),
			Output:     c.Output,
			CreatedAt:  c.CreatedAt,
			ResolvedAt: timeVal(c.ResolvedAt),
		}
		if c.Arguments != "" {
			call.Arguments = json.RawMessage(c.Arguments)
		}
		r.ToolCalls = append(r.ToolCalls, call)
	}
	return r
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.M{
				"expires_at": bson.M{"$exists": true},
			}),
		},
	})
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) ([]string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) ([]string, error) {
	return v.view.CreateMany(ctx, models, opts...)
}

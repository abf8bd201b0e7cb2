// Package runtime drives agent runs that may suspend while waiting for tool
// outputs computed outside the serving process.
//
// An agent executes inside an ExecutionContext. When it calls a function tool
// the runtime subscribes to the tool call's pub/sub channel, records the
// required action on the run and announces it on the run event stream. The
// output is later submitted through SubmitToolOutputs, possibly by another
// process, which publishes it on the channel; the suspended call receives it,
// resolves the tool call and the agent resumes.
//
// Runs are persisted in a run.Store and every mutation goes through
// run.Update, so the suspended execution and concurrent submissions never
// lose each other's writes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/runwait/runtime/agent/pubsub"
	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/stream"
	"goa.design/runwait/runtime/agent/telemetry"
)

type (
	// Runtime executes runs and accepts submissions for them.
	Runtime struct {
		store         run.Store
		pubsub        pubsub.PubSub
		sink          stream.Sink
		policy        stream.TurnPolicy
		actionTimeout time.Duration
		tools         map[run.ToolType]Tool
		functions     map[string]*FunctionTool
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer
		now           func() time.Time
	}

	// Options configures a Runtime.
	Options struct {
		// Store persists runs. Required.
		Store run.Store
		// PubSub carries tool outputs and cancellation requests. Required.
		PubSub pubsub.PubSub
		// Stream receives run events. Defaults to a sink discarding events.
		Stream stream.Sink
		// TurnPolicy selects when the Done sentinel is published.
		TurnPolicy stream.TurnPolicy
		// ActionTimeout bounds how long a function tool call waits for its
		// output. Zero disables expiry.
		ActionTimeout time.Duration
		// Tools executes non-function tool calls, keyed by tool type.
		Tools map[run.ToolType]Tool
		// Functions declares the function tools known to agents. Calls to
		// undeclared functions are suspended without argument validation.
		Functions []FunctionDefinition
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		Tracer    telemetry.Tracer
		// Clock returns the current time. Defaults to time.Now.
		Clock func() time.Time
	}

	// Option configures the runtime via functional options passed to New.
	Option func(*Options)
)

// New builds a runtime.
func New(opts ...Option) (*Runtime, error) {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.Store == nil {
		return nil, errors.New("run store is required")
	}
	if o.PubSub == nil {
		return nil, errors.New("pubsub is required")
	}
	if o.ActionTimeout < 0 {
		return nil, fmt.Errorf("invalid action timeout %s", o.ActionTimeout)
	}
	r := &Runtime{
		store:         o.Store,
		pubsub:        o.PubSub,
		sink:          o.Stream,
		policy:        o.TurnPolicy,
		actionTimeout: o.ActionTimeout,
		tools:         make(map[run.ToolType]Tool, len(o.Tools)),
		functions:     make(map[string]*FunctionTool, len(o.Functions)),
		logger:        o.Logger,
		metrics:       o.Metrics,
		tracer:        o.Tracer,
		now:           o.Clock,
	}
	if r.sink == nil {
		r.sink = stream.NopSink{}
	}
	if r.logger == nil {
		r.logger = telemetry.NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = telemetry.NoopMetrics{}
	}
	if r.tracer == nil {
		r.tracer = telemetry.NoopTracer{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	for typ, t := range o.Tools {
		if typ == run.ToolTypeFunction || !typ.Valid() {
			return nil, fmt.Errorf("cannot register tool for type %q", typ)
		}
		r.tools[typ] = t
	}
	for _, def := range o.Functions {
		ft, err := r.newFunctionTool(def)
		if err != nil {
			return nil, err
		}
		if _, dup := r.functions[def.Name]; dup {
			return nil, fmt.Errorf("function %q declared twice", def.Name)
		}
		r.functions[def.Name] = ft
	}
	return r, nil
}

// WithStore sets the run store.
func WithStore(s run.Store) Option { return func(o *Options) { o.Store = s } }

// WithPubSub sets the tool output channel broker.
func WithPubSub(ps pubsub.PubSub) Option { return func(o *Options) { o.PubSub = ps } }

// WithStream sets the run event sink.
func WithStream(s stream.Sink) Option { return func(o *Options) { o.Stream = s } }

// WithTurnPolicy sets the delivery turn policy.
func WithTurnPolicy(p stream.TurnPolicy) Option { return func(o *Options) { o.TurnPolicy = p } }

// WithActionTimeout sets the deadline of required actions.
func WithActionTimeout(d time.Duration) Option { return func(o *Options) { o.ActionTimeout = d } }

// WithTool registers the executor of a non-function tool type.
func WithTool(t run.ToolType, tool Tool) Option {
	return func(o *Options) {
		if o.Tools == nil {
			o.Tools = make(map[run.ToolType]Tool)
		}
		o.Tools[t] = tool
	}
}

// WithFunction declares a function tool.
func WithFunction(def FunctionDefinition) Option {
	return func(o *Options) { o.Functions = append(o.Functions, def) }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(o *Options) { o.Metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option { return func(o *Options) { o.Tracer = t } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(o *Options) { o.Clock = now } }

// CreateRun persists a new queued run and announces it on the run stream.
func (r *Runtime) CreateRun(ctx context.Context, threadID, agentID string, metadata map[string]string) (*run.Run, error) {
	rec := run.New(NewRunID(), threadID, agentID, r.now())
	rec.Metadata = metadata
	if err := r.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	r.publish(ctx, rec.ID, 1, stream.EventRunCreated, rec)
	return rec, nil
}

// Run returns the current state of a run.
func (r *Runtime) Run(ctx context.Context, runID string) (*run.Run, error) {
	return r.store.Load(ctx, runID)
}

// FunctionTool returns the declared function tool with the given name or a
// tool without argument validation when none is declared.
func (r *Runtime) FunctionTool(name string) *FunctionTool {
	if ft, ok := r.functions[name]; ok {
		return ft
	}
	return &FunctionTool{rt: r, def: FunctionDefinition{Name: name}}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }

// NewToolCallID returns a fresh tool call identifier.
func NewToolCallID() string { return "call_" + uuid.NewString() }

// publish sends a lifecycle event. Delivery failures are logged: observers
// are informational and never block a run.
func (r *Runtime) publish(ctx context.Context, runID string, turn int, t stream.EventType, rec *run.Run) {
	evt, err := newRunEvent(t, runID, turn, rec)
	if err != nil {
		r.logger.Error(ctx, "encode run event", "run_id", runID, "event", string(t), "err", err)
		return
	}
	r.send(ctx, evt)
}

func (r *Runtime) send(ctx context.Context, evt stream.Event) {
	if err := r.sink.Send(ctx, evt); err != nil {
		r.logger.Warn(ctx, "publish run event", "run_id", evt.RunID, "event", string(evt.Type), "err", err)
	}
}

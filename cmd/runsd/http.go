package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	goa "goa.design/goa/v3/pkg"

	"goa.design/runwait/apitypes"
	"goa.design/runwait/features/admission"
	"goa.design/runwait/runtime/agent/run"
	"goa.design/runwait/runtime/agent/runtime"
	"goa.design/runwait/runtime/agent/stream"
)

// server implements the runs HTTP API on top of the runtime.
type server struct {
	rt     *runtime.Runtime
	events stream.Subscriber
	agent  runtime.Agent
	mux    goahttp.Muxer

	// execCtx scopes run executions. It is cancelled on shutdown, which
	// leaves the runs resumable.
	execCtx context.Context
	execs   sync.WaitGroup
}

type route struct {
	method, pattern string
	handler         http.HandlerFunc
}

func newServer(execCtx context.Context, rt *runtime.Runtime, events stream.Subscriber, agent runtime.Agent) *server {
	return &server{rt: rt, events: events, agent: agent, mux: goahttp.NewMuxer(), execCtx: execCtx}
}

func (s *server) routes() []route {
	return []route{
		{http.MethodPost, "/v1/runs", s.createRun},
		{http.MethodGet, "/v1/runs/{run_id}", s.getRun},
		{http.MethodPost, "/v1/runs/{run_id}/submit_tool_outputs", s.submitToolOutputs},
		{http.MethodPost, "/v1/runs/{run_id}/cancel", s.cancelRun},
		{http.MethodGet, "/v1/runs/{run_id}/events", s.streamEvents},
	}
}

// handler mounts the API and returns the root handler. The gate, when not
// nil, admits API requests; health checks bypass it.
func (s *server) handler(ctx context.Context, gate *admission.Gate, checker health.Checker, dbg bool) http.Handler {
	if dbg {
		// Mount pprof handlers for memory profiling under /debug/pprof.
		debug.MountPprofHandlers(debug.Adapt(s.mux))
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(debug.Adapt(s.mux))
	}
	for _, rt := range s.routes() {
		s.mux.Handle(rt.method, rt.pattern, rt.handler)
		log.Printf(ctx, "HTTP %s %s mounted", rt.method, rt.pattern)
	}
	if checker != nil {
		s.mux.Handle(http.MethodGet, "/healthz", health.Handler(checker))
	}

	var api http.Handler = s.mux
	if gate != nil {
		admit := gate.Middleware()(s.mux)
		api = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/v1/") {
				admit.ServeHTTP(w, r)
				return
			}
			s.mux.ServeHTTP(w, r)
		})
	}
	if dbg {
		// Log query and response bodies if debug logs are enabled.
		api = debug.HTTP()(api)
	}
	return log.HTTP(ctx)(api)
}

// wait blocks until the executions started by the server returned.
func (s *server) wait() { s.execs.Wait() }

func (s *server) createRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body apitypes.CreateRunRequest
	if err := decode(r, &body); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if body.ThreadID == "" {
		s.writeError(ctx, w, goa.MissingFieldError("thread_id", "body"))
		return
	}
	rec, err := s.rt.CreateRun(ctx, body.ThreadID, body.AssistantID, body.Metadata)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.execute(rec.ID)
	s.encode(ctx, w, http.StatusOK, apitypes.FromRun(rec))
}

// execute runs the agent in the background. Failures are recorded on the
// run by the runtime.
func (s *server) execute(runID string) {
	s.execs.Add(1)
	go func() {
		defer s.execs.Done()
		ctx := log.With(s.execCtx, log.KV{K: "run_id", V: runID})
		if _, err := s.rt.Execute(ctx, runID, s.agent); err != nil {
			log.Debug(ctx, log.KV{K: "msg", V: "execution ended"}, log.KV{K: "err", V: err.Error()})
		}
	}()
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.rt.Run(ctx, s.runID(r))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.encode(ctx, w, http.StatusOK, apitypes.FromRun(rec))
}

func (s *server) submitToolOutputs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body apitypes.SubmitToolOutputsRequest
	if err := decode(r, &body); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	outputs := make([]runtime.ToolOutput, 0, len(body.ToolOutputs))
	for i, o := range body.ToolOutputs {
		if o.ToolCallID == "" {
			s.writeError(ctx, w, goa.MissingFieldError(fmt.Sprintf("tool_outputs[%d].tool_call_id", i), "body"))
			return
		}
		outputs = append(outputs, runtime.ToolOutput{ToolCallID: o.ToolCallID, Output: o.Output})
	}
	rec, err := s.rt.SubmitToolOutputs(ctx, s.runID(r), outputs...)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.encode(ctx, w, http.StatusOK, apitypes.FromRun(rec))
}

func (s *server) cancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.rt.CancelRun(ctx, s.runID(r))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.encode(ctx, w, http.StatusOK, apitypes.FromRun(rec))
}

// streamEvents writes the run events as server-sent events until the end of
// the next delivery turn. Clients resume with the ID of the last event they
// saw, in the after query parameter or the Last-Event-ID header.
func (s *server) streamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := s.runID(r)
	if _, err := s.rt.Run(ctx, runID); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = r.Header.Get("Last-Event-ID")
	}
	events, errs, cancel, err := s.events.Subscribe(ctx, runID, after)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	flush := func() {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			log.Debug(ctx, log.KV{K: "msg", V: "flush events"}, log.KV{K: "err", V: err.Error()})
		}
	}
	flush()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				log.Debug(ctx, log.KV{K: "msg", V: "write event"}, log.KV{K: "err", V: err.Error()})
				return
			}
			flush()
			if evt.IsDone() {
				return
			}
		case err, ok := <-errs:
			if ok && err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "observe run events"})
				return
			}
			errs = nil
		case <-ctx.Done():
			return
		}
	}
}

// writeEvent writes evt in the text/event-stream format.
func writeEvent(w io.Writer, evt stream.Event) error {
	var b strings.Builder
	if evt.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", evt.ID)
	}
	fmt.Fprintf(&b, "event: %s\n", evt.Type)
	for line := range strings.SplitSeq(evt.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func (s *server) runID(r *http.Request) string { return s.mux.Vars(r)["run_id"] }

func decode(r *http.Request, v any) error {
	if err := goahttp.RequestDecoder(r).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return goa.MissingPayloadError()
		}
		return goa.DecodePayloadError(err.Error())
	}
	return nil
}

func (s *server) encode(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode response"})
	}
}

// writeError maps err to an HTTP status and error code. Unexpected errors
// are logged and reported without detail.
func (s *server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code, msg := http.StatusInternalServerError, apitypes.CodeServiceError, "internal error"
	var svcErr *goa.ServiceError
	switch {
	case errors.As(err, &svcErr):
		status, code, msg = http.StatusBadRequest, apitypes.CodeInvalidArgument, svcErr.Message
	case errors.Is(err, run.ErrNotFound):
		status, code, msg = http.StatusNotFound, apitypes.CodeNotFound, err.Error()
	case errors.Is(err, runtime.ErrNotAwaiting), errors.Is(err, run.ErrTerminal), errors.Is(err, run.ErrAlreadyExists):
		status, code, msg = http.StatusConflict, apitypes.CodeConflict, err.Error()
	default:
		log.Error(ctx, err, log.KV{K: "msg", V: "request failed"})
	}
	s.encode(ctx, w, status, apitypes.NewErrorResponse(code, msg))
}

// serveHTTP starts srv and shuts it down gracefully once ctx is done.
func serveHTTP(ctx context.Context, srv *http.Server, wg *sync.WaitGroup, errc chan<- error) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", srv.Addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", srv.Addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}

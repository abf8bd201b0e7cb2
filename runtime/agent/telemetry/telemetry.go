// Package telemetry defines the logging, metrics and tracing seams used by the
// run engine. Production wiring delegates to goa.design/clue/log and the global
// OpenTelemetry providers; tests use the noop implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log lines. keyvals alternate string keys and
	// values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. tags alternate keys and values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the runtime.
const (
	MetricRunsStarted        = "runwait.runs.started"
	MetricRunsFinished       = "runwait.runs.finished"
	MetricToolCallsSuspended = "runwait.tool_calls.suspended"
	MetricToolCallWait       = "runwait.tool_calls.wait"
	MetricToolOutputs        = "runwait.tool_outputs.published"
	MetricRunsExpired        = "runwait.runs.expired"
	MetricAdmissionRejected  = "runwait.admission.rejected"
	MetricAdmissionFailOpen  = "runwait.admission.fail_open"
)

package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const instrumentationName = "goa.design/runwait/runtime"

type (
	// ClueLogger logs through goa.design/clue/log. Format and debug settings
	// come from the context (log.Context, log.WithFormat, log.WithDebug).
	ClueLogger struct{}

	// OTELMetrics records metrics on the global OpenTelemetry meter.
	// Instruments are created once per name.
	OTELMetrics struct {
		meter      metric.Meter
		counters   sync.Map // name -> metric.Float64Counter
		histograms sync.Map // name -> metric.Float64Histogram
	}

	// OTELTracer starts spans on the global OpenTelemetry tracer.
	OTELTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns a Logger backed by clue.
func NewClueLogger() Logger { return ClueLogger{} }

// NewOTELMetrics returns Metrics backed by the global meter provider.
func NewOTELMetrics() *OTELMetrics {
	return &OTELMetrics{meter: otel.Meter(instrumentationName)}
}

// NewOTELTracer returns a Tracer backed by the global tracer provider.
func NewOTELTracer() Tracer {
	return &OTELTracer{tracer: otel.Tracer(instrumentationName)}
}

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error logs at error level. An "err" key, when present, is passed to clue
// as the error value.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	var err error
	for i := 0; i+1 < len(keyvals); i += 2 {
		if k, ok := keyvals[i].(string); ok && k == "err" {
			if e, ok := keyvals[i+1].(error); ok {
				err = e
				keyvals = append(keyvals[:i:i], keyvals[i+2:]...)
				break
			}
		}
	}
	log.Error(ctx, err, fielders(msg, keyvals)...)
}

func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	c, ok := m.counters.Load(name)
	if !ok {
		counter, err := m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		c, _ = m.counters.LoadOrStore(name, counter)
	}
	c.(metric.Float64Counter).Add(context.Background(), value, metric.WithAttributes(attrs(tags)...))
}

func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	h, ok := m.histograms.Load(name)
	if !ok {
		histogram, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			return
		}
		h, _ = m.histograms.LoadOrStore(name, histogram)
	}
	h.(metric.Float64Histogram).Record(context.Background(), duration.Seconds(), metric.WithAttributes(attrs(tags)...))
}

func (t *OTELTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, kv ...any) {
	var out []attribute.KeyValue
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case string:
			out = append(out, attribute.String(k, v))
		case int:
			out = append(out, attribute.Int(k, v))
		case int64:
			out = append(out, attribute.Int64(k, v))
		case bool:
			out = append(out, attribute.Bool(k, v))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(v)))
		}
	}
	s.span.AddEvent(name, trace.WithAttributes(out...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// fielders converts msg and alternating key/values into clue fields.
// Entries with non-string keys are dropped.
func fielders(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fs = append(fs, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}

func attrs(tags []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		out = append(out, attribute.String(tags[i], tags[i+1]))
	}
	return out
}

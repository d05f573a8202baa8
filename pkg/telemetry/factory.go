package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

// SessionTraceKeyTmpl holds the exported span of a target submission in redis
const SessionTraceKeyTmpl = "global:trace_context:%s" // global:trace_context:<target_id>

type Tracer interface {
	Start()
	WithAttributes(attributes *SpanAttributes) Tracer
	AddEvent(name string, attributes EventAttributes)
	SetStatus(code codes.Code, message string)
	Spawn(spanName string) Tracer
	AddLink(spanContext trace.SpanContext)
	Export() string
	End()
}

type TracerKey struct{} // TracerKey is used to store and retrieve the tracer from the context

// WithTracer returns a context whose FromContext yields tracer
func WithTracer(ctx context.Context, tracer Tracer) context.Context {
	return context.WithValue(ctx, TracerKey{}, tracer)
}

// TracerFactory creates the root spans of fuzzing sessions
type TracerFactory struct {
	telemetry Telemetry
}

type TracerFactoryParams struct {
	fx.In
	Telemetry Telemetry `optional:"true"`
}

func NewTracerFactory(p TracerFactoryParams) *TracerFactory {
	return &TracerFactory{telemetry: p.Telemetry}
}

func (t *TracerFactory) enabled() bool {
	return t != nil && t.telemetry != nil && t.telemetry.GetTracer() != nil
}

// NewSubmissionTracer starts the root span of a target submission. Its Export output is
// what NewSessionTracer continues on the engine side.
func (t *TracerFactory) NewSubmissionTracer(ctx context.Context, targetID, language string) Tracer {
	if !t.enabled() {
		return &DummyTracer{}
	}
	tracer := NewTelemetryTracer(ctx, t.telemetry.GetTracer(), "submit "+targetID)
	tracer.WithAttributes(sessionAttributes(targetID, language))
	return tracer
}

// NewSessionTracer returns the span of one session step of a target, named
// "fuzz session <target_id>". It continues the submitter's span when exported is a
// valid export, and is a new root otherwise.
func (t *TracerFactory) NewSessionTracer(ctx context.Context, exported, targetID, language string) Tracer {
	if !t.enabled() {
		return &DummyTracer{}
	}
	name := fmt.Sprintf("fuzz session %s", targetID)
	var tracer Tracer = NewTelemetryTracer(ctx, t.telemetry.GetTracer(), name)
	if exported != "" {
		if origin, err := NewTelemetryTracerFrom(ctx, t.telemetry.GetTracer(), exported); err == nil {
			tracer = origin.Spawn(name)
		}
	}
	return tracer.WithAttributes(sessionAttributes(targetID, language))
}

func sessionAttributes(targetID, language string) *SpanAttributes {
	attrs := NewSpanAttributes(CorpusMaintenance).WithTargetID(targetID)
	if language != "" {
		attrs.WithLanguage(language)
	}
	return attrs
}

// A dummy tracer that does nothing when telemetry is not enabled
type DummyTracer struct{}

func (t *DummyTracer) Start()                                           {}
func (t *DummyTracer) WithAttributes(attributes *SpanAttributes) Tracer { return t }
func (t *DummyTracer) AddEvent(name string, attributes EventAttributes) {}
func (t *DummyTracer) SetStatus(code codes.Code, message string)        {}
func (t *DummyTracer) Spawn(spanName string) Tracer                     { return t }
func (t *DummyTracer) AddLink(spanContext trace.SpanContext)            {}
func (t *DummyTracer) Export() string                                   { return "" }
func (t *DummyTracer) End()                                             {}

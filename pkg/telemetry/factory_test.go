package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type recordingTelemetry struct {
	tracer trace.Tracer
}

func (r recordingTelemetry) GetTracer() trace.Tracer { return r.tracer }
func (r recordingTelemetry) GetLogger() log.Logger   { return nil }

func newRecordingFactory(t *testing.T) (*TracerFactory, *tracetest.SpanRecorder) {
	t.Helper()
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewTracerFactory(TracerFactoryParams{Telemetry: recordingTelemetry{tracer: provider.Tracer("fuzzcore-test")}}), recorder
}

func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestFactoryWithoutTelemetryIsNoop(t *testing.T) {
	var nilFactory *TracerFactory
	for _, factory := range []*TracerFactory{nilFactory, NewTracerFactory(TracerFactoryParams{})} {
		tracer := factory.NewSessionTracer(context.Background(), "", "target-1", "go")
		assert.IsType(t, &DummyTracer{}, tracer)
		assert.Empty(t, factory.NewSubmissionTracer(context.Background(), "target-1", "go").Export())
	}
}

func TestSessionTracerContinuesSubmission(t *testing.T) {
	factory, recorder := newRecordingFactory(t)
	ctx := context.Background()

	submission := factory.NewSubmissionTracer(ctx, "target-1", "python")
	submission.Start()
	exported := submission.Export()
	submission.End()
	require.NotEqual(t, "{}", exported)

	session := factory.NewSessionTracer(ctx, exported, "target-1", "python")
	session.Start()
	FromContext(WithTracer(ctx, session)).Spawn("submit target").Start()
	session.End()

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	root, step := ended[0], ended[1]
	assert.Equal(t, "submit target-1", root.Name())
	assert.Equal(t, "fuzz session target-1", step.Name())
	assert.Equal(t, root.SpanContext().TraceID(), step.Parent().TraceID())
	assert.Equal(t, root.SpanContext().SpanID(), step.Parent().SpanID())
	assert.Equal(t, "target-1", attrValue(step.Attributes(), "fuzz.target.id"))
	assert.Equal(t, "python", attrValue(step.Attributes(), "fuzz.target.language"))
	assert.Equal(t, CorpusMaintenance.String(), attrValue(step.Attributes(), "fuzz.action.category"))

	// the child spawned through the context nests under the session span
	started := recorder.Started()
	require.Len(t, started, 3)
	assert.Equal(t, step.SpanContext().SpanID(), started[2].Parent().SpanID())
}

func TestSessionTracerWithoutExportIsRoot(t *testing.T) {
	factory, recorder := newRecordingFactory(t)

	tracer := factory.NewSessionTracer(context.Background(), "not json", "target-2", "")
	tracer.Start()
	tracer.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.False(t, ended[0].Parent().IsValid())
	assert.Equal(t, "", attrValue(ended[0].Attributes(), "fuzz.target.language"))
}

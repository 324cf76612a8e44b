package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{tracer: tp.Tracer(ServiceName), provider: tp}, recorder
}

func TestDisabledTracerIsUsable(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false})
	require.NoError(t, err)

	err = tracer.TracedOperation(context.Background(), "noop", func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.NoError(t, tracer.Close(context.Background()))
}

func TestTracedOperationRecordsStatus(t *testing.T) {
	tracer, recorder := newRecordingTracer()

	boom := errors.New("boom")
	err := tracer.TracedOperation(context.Background(), "create-pod", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, tracer.TracedOperation(context.Background(), "create-service", func(context.Context) error { return nil }))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "create-pod", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}

func TestTracedReconciler(t *testing.T) {
	tracer, recorder := newRecordingTracer()

	inner := reconcile.Func(func(context.Context, reconcile.Request) (reconcile.Result, error) {
		return reconcile.Result{}, nil
	})
	traced := NewTracedReconciler(inner, tracer)

	_, err := traced.Reconcile(context.Background(), ctrl.Request{})
	require.NoError(t, err)
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "reconcile", recorder.Ended()[0].Name())
}

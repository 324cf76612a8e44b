package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
)

const (
	// ServiceName is the default service name reported to the collector
	ServiceName = "lab-orchestrator"

	AttrNamespace    = "k8s.namespace"
	AttrResourceName = "k8s.resource.name"
	AttrResourceKind = "k8s.resource.kind"
	AttrSessionID    = "lab.session_id"
	AttrUserID       = "lab.user_id"
	AttrTemplateID   = "lab.template_id"
	AttrOperation    = "operation"
	AttrErrorType    = "error.type"
)

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaegerEndpoint"`
	ServiceName    string  `mapstructure:"serviceName"`
	ServiceVersion string  `mapstructure:"-"`
	Environment    string  `mapstructure:"environment"`
	SampleRate     float64 `mapstructure:"sampleRate"`
}

// Tracer provides distributed tracing capabilities
type Tracer struct {
	tracer   oteltrace.Tracer
	config   TracingConfig
	provider *trace.TracerProvider
}

// NewTracer creates a tracer. A disabled config yields a tracer backed by the
// global (no-op unless set elsewhere) provider.
func NewTracer(config TracingConfig) (*Tracer, error) {
	if config.ServiceName == "" {
		config.ServiceName = ServiceName
	}
	if !config.Enabled {
		return &Tracer{
			tracer: otel.Tracer(config.ServiceName),
			config: config,
		}, nil
	}

	exporter, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(config.SampleRate))),
	)
	otel.SetTracerProvider(tp)

	return &Tracer{
		tracer:   tp.Tracer(config.ServiceName),
		config:   config,
		provider: tp,
	}, nil
}

// Close flushes and shuts down the provider
func (t *Tracer) Close(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// SessionSpan creates a span for a user-facing session operation
func (t *Tracer) SessionSpan(ctx context.Context, operation, userID string) (context.Context, oteltrace.Span) {
	return t.StartSpan(ctx, operation,
		oteltrace.WithAttributes(
			attribute.String(AttrOperation, operation),
			attribute.String(AttrUserID, userID),
		),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
	)
}

// ReconcileSpan creates a span for workload reconciliation
func (t *Tracer) ReconcileSpan(ctx context.Context, namespace, name string) (context.Context, oteltrace.Span) {
	return t.StartSpan(ctx, "reconcile",
		oteltrace.WithAttributes(
			attribute.String(AttrNamespace, namespace),
			attribute.String(AttrResourceName, name),
			attribute.String(AttrResourceKind, "Pod"),
			attribute.String(AttrOperation, "reconcile"),
		),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
	)
}

// OperationSpan creates a span for a specific operation
func (t *Tracer) OperationSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	allAttrs := []attribute.KeyValue{
		attribute.String(AttrOperation, operation),
	}
	allAttrs = append(allAttrs, attrs...)

	return t.StartSpan(ctx, operation,
		oteltrace.WithAttributes(allAttrs...),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
	)
}

// RecordError records an error in the span
func RecordError(span oteltrace.Span, err error, errorType string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorType, errorType))
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks a span as successful
func RecordSuccess(span oteltrace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddSessionContext adds session context to a span
func AddSessionContext(span oteltrace.Span, sessionID, userID string) {
	span.SetAttributes(
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrUserID, userID),
	)
}

// AddResourceContext adds Kubernetes resource context to a span
func AddResourceContext(span oteltrace.Span, kind, namespace, name string) {
	span.SetAttributes(
		attribute.String(AttrResourceKind, kind),
		attribute.String(AttrNamespace, namespace),
		attribute.String(AttrResourceName, name),
	)
}

// TracedReconciler wraps a reconciler with tracing
type TracedReconciler struct {
	reconciler reconcile.Reconciler
	tracer     *Tracer
}

// NewTracedReconciler creates a reconciler wrapper with tracing
func NewTracedReconciler(reconciler reconcile.Reconciler, tracer *Tracer) *TracedReconciler {
	return &TracedReconciler{
		reconciler: reconciler,
		tracer:     tracer,
	}
}

// Reconcile implements the Reconciler interface with tracing
func (tr *TracedReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	spanCtx, span := tr.tracer.ReconcileSpan(ctx, req.Namespace, req.Name)
	defer span.End()

	start := time.Now()
	result, err := tr.reconciler.Reconcile(spanCtx, req)

	span.SetAttributes(
		attribute.Int64("reconcile.duration_ms", time.Since(start).Milliseconds()),
		attribute.Bool("reconcile.requeue", !result.IsZero()),
	)
	if result.RequeueAfter > 0 {
		span.SetAttributes(attribute.Int64("reconcile.requeue_after_ms", result.RequeueAfter.Milliseconds()))
	}

	if err != nil {
		RecordError(span, err, "reconciliation")
	} else {
		RecordSuccess(span)
	}

	return result, err
}

// TracedOperation executes an operation with tracing
func (t *Tracer) TracedOperation(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	spanCtx, span := t.OperationSpan(ctx, name, attrs...)
	defer span.End()

	start := time.Now()
	err := fn(spanCtx)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		RecordError(span, err, name)
	} else {
		RecordSuccess(span)
	}

	return err
}

// GlobalTracer is set by InitTracing
var GlobalTracer *Tracer

// InitTracing initializes global tracing
func InitTracing(config TracingConfig) error {
	tracer, err := NewTracer(config)
	if err != nil {
		return err
	}

	GlobalTracer = tracer
	return nil
}

// GetTracer returns the global tracer instance
func GetTracer() *Tracer {
	if GlobalTracer == nil {
		GlobalTracer = &Tracer{
			tracer: otel.Tracer(ServiceName),
			config: TracingConfig{Enabled: false},
		}
	}
	return GlobalTracer
}

// TraceOperation executes an operation with tracing using the global tracer
func TraceOperation(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	return GetTracer().TracedOperation(ctx, name, fn, attrs...)
}

package tracing

import (
    "context"
    "sync/atomic"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
    sdktrace "go.opentelemetry.io/otel/sdk/trace"
    "go.opentelemetry.io/otel/trace"
)

const tracerName = "go-discovery"

var enabled atomic.Bool

// Setup configures a global tracer provider when enable=true.
// It returns a shutdown function which should be deferred.
func Setup(enable bool) (func(context.Context) error, error) {
    enabled.Store(enable)
    if !enable {
        return func(context.Context) error { return nil }, nil
    }
    exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
    if err != nil {
        return nil, err
    }
    tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
    otel.SetTracerProvider(tp)
    return tp.Shutdown, nil
}

// Enabled reports whether spans are being recorded.
func Enabled() bool { return enabled.Load() }

// StartSpan starts a tracing span if tracing is enabled.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
    if !enabled.Load() {
        return ctx, func() {}
    }
    ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
    return ctx, func() { span.End() }
}

// Annotate adds attributes to the span carried by ctx, if any.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
    if !enabled.Load() { return }
    trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// Instance is a shorthand for the instance id attribute used on most spans.
func Instance(id string) attribute.KeyValue { return attribute.String("discovery.instance", id) }

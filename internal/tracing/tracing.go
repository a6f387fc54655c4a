// Package tracing wraps OpenTelemetry span creation around the daemon tick
// and each pipeline stage. With RALPH_OTEL_ENDPOINT unset, the global
// no-op tracer provider is left in place and Start is a cheap pass-through;
// setting it switches to a batching OTLP/HTTP exporter.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ralph-build/ralphd"

// Init configures the global TracerProvider when RALPH_OTEL_ENDPOINT is set,
// and returns a shutdown func to flush pending spans before the process
// exits. Safe to call with the endpoint unset: it returns a no-op shutdown
// and leaves the default no-op provider in place.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := strings.TrimSpace(os.Getenv("RALPH_OTEL_ENDPOINT"))
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Start opens a span named name and returns the derived context plus an end
// func. Call end exactly once, passing the stage's error (nil on success);
// a non-nil error is recorded on the span and marks it as failed.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StringAttr is a small convenience re-export so callers need only import
// this package for span attributes.
func StringAttr(key, value string) attribute.KeyValue { return attribute.String(key, value) }

// Package tracing wires the OpenTelemetry SDK's TracerProvider for a
// backup or restore session, selecting an exporter by name: "none" (the
// global no-op tracer), "stdout" (human-readable spans for local
// debugging), "otlp" (gRPC export to a collector), or "jaeger" (direct
// Jaeger export). A batch CLI job has no long-lived process to attach a
// sidecar to, so the exporter choice and endpoint are read once at
// startup from config.Config and never change for the life of the run.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the resource attribute value attached to every span this
// process emits.
const ServiceName = "coldvault"

// Provider wraps an sdktrace.TracerProvider together with the shutdown
// hook its exporter needs, so callers have one thing to defer-close.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds a Provider for the given exporter kind ("none", "stdout",
// "otlp", "jaeger") and endpoint (ignored by "none" and "stdout"). An
// empty kind is treated as "none"; any other unrecognized kind is an
// error.
func New(ctx context.Context, kind, endpoint string) (*Provider, error) {
	if kind == "" || kind == "none" {
		return &Provider{}, nil
	}

	exp, err := newExporter(ctx, kind, endpoint)
	if err != nil {
		return nil, fmt.Errorf("tracing: build %s exporter: %w", kind, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return &Provider{tp: tp}, nil
}

func newExporter(ctx context.Context, kind, endpoint string) (sdktrace.SpanExporter, error) {
	switch kind {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "jaeger":
		var opts []jaeger.CollectorEndpointOption
		if endpoint != "" {
			opts = append(opts, jaeger.WithEndpoint(endpoint))
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(opts...))
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", kind)
	}
}

// Tracer returns the session tracer. Before New is called with a
// non-"none" kind, or if kind was "none", this is the global otel tracer,
// which is a safe no-op.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(ServiceName)
	}
	return p.tp.Tracer(ServiceName)
}

// Shutdown flushes and closes the exporter. Safe to call on a Provider
// built with kind "none" (a no-op).
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

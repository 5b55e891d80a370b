/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the router
// control layer.
//
// Custom span attributes use the `tachikoma.` prefix. Span attributes
// never carry credential material; parameter summaries are redacted
// before they reach a span.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "nerv-lab/tachikoma"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("tachikoma"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartCommandSpan creates the parent span for one dispatched command.
func StartCommandSpan(ctx context.Context, kind, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "router.command",
		trace.WithAttributes(
			attribute.String("tachikoma.kind", kind),
			attribute.String("tachikoma.target", target),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndCommandSpan enriches the command span with its outcome.
func EndCommandSpan(span trace.Span, vendor, status string, attempts int) {
	span.SetAttributes(
		attribute.String("tachikoma.vendor", vendor),
		attribute.String("tachikoma.status", status),
		attribute.Int("tachikoma.attempts", attempts),
	)
	span.End()
}

// StartDetectSpan creates a child span for a vendor detection pass.
func StartDetectSpan(ctx context.Context, address string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "router.detect",
		trace.WithAttributes(
			attribute.String("tachikoma.target", address),
		),
	)
}

// StartAdapterSpan creates a child span for one adapter execution
// attempt against the device.
func StartAdapterSpan(ctx context.Context, vendor, transport string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "router.adapter",
		trace.WithAttributes(
			attribute.String("tachikoma.vendor", vendor),
			attribute.String("tachikoma.transport", transport),
			attribute.Int("tachikoma.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartSnapshotSpan creates a child span for a configuration snapshot.
func StartSnapshotSpan(ctx context.Context, vendor, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "router.snapshot",
		trace.WithAttributes(
			attribute.String("tachikoma.vendor", vendor),
			attribute.String("tachikoma.trigger", trigger),
		),
	)
}

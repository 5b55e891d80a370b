/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Should be a no-op shutdown
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartCommandSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartCommandSpan(ctx, "create_reservation", "192.168.1.1")
	EndCommandSpan(span, "unifi", "ok", 2)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "router.command" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "router.command")
	}

	attrs := spans[0].Attributes
	foundKind := false
	foundVendor := false
	foundAttempts := false
	for _, a := range attrs {
		if string(a.Key) == "tachikoma.kind" && a.Value.AsString() == "create_reservation" {
			foundKind = true
		}
		if string(a.Key) == "tachikoma.vendor" && a.Value.AsString() == "unifi" {
			foundVendor = true
		}
		if string(a.Key) == "tachikoma.attempts" && a.Value.AsInt64() == 2 {
			foundAttempts = true
		}
	}
	if !foundKind {
		t.Error("missing tachikoma.kind attribute")
	}
	if !foundVendor {
		t.Error("missing tachikoma.vendor attribute")
	}
	if !foundAttempts {
		t.Error("missing tachikoma.attempts attribute")
	}
}

func TestStartAdapterSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartAdapterSpan(ctx, "asus", "ssh", 1)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "router.adapter" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "router.adapter")
	}
}

func TestNestedSpans(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	ctx, cmdSpan := StartCommandSpan(ctx, "get_status", "10.0.0.1")
	_, detSpan := StartDetectSpan(ctx, "10.0.0.1")
	detSpan.End()
	cmdSpan.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	// Detect span ends first and must be a child of the command span.
	detStub := spans[0]
	cmdStub := spans[1]

	if detStub.Parent.TraceID() != cmdStub.SpanContext.TraceID() {
		t.Error("detect span should share trace ID with command span")
	}
	if !detStub.Parent.SpanID().IsValid() {
		t.Error("detect span should have a valid parent span ID")
	}
}

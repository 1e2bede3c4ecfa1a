// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package telemetry provides stage tracing and pipeline metrics.

Tracing uses OpenTelemetry. The exporter is chosen by configuration:

  - "none": NoOpTracer, no spans leave the process
  - "stdout": spans are written as JSON to a writer
  - "otlp": spans are batched to an OTLP/gRPC collector

Metrics use a private Prometheus registry so a run can be pushed to a
Pushgateway as one consistent batch.
*/
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Tracer starts spans around pipeline stages.
type Tracer interface {
	// StartSpan starts a span. The returned func ends it, recording err.
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))

	// TraceID returns the current trace ID, or "".
	TraceID(ctx context.Context) string

	// Shutdown flushes pending spans.
	Shutdown(ctx context.Context) error
}

// TracerConfig configures NewTracer.
type TracerConfig struct {
	ServiceName string
	Environment string

	// Exporter is "none", "stdout" or "otlp". Default: "none".
	Exporter string

	// Endpoint is the OTLP gRPC collector. Default: localhost:4317.
	Endpoint string
	Insecure bool

	// Writer receives stdout spans. Default: os.Stderr.
	Writer io.Writer
}

// NewTracer builds the tracer selected by cfg.Exporter. A real exporter also
// becomes the global tracer provider, which the approval webhook's gin
// middleware records through.
func NewTracer(ctx context.Context, cfg TracerConfig) (Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pipectl"
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", ExporterNone:
		return NoOpTracer{}, nil

	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporter = exp

	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		var dialOpts []grpc.DialOption
		if cfg.Insecure {
			dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		conn, err := grpc.NewClient(endpoint, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp

	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	return &OTelTracer{tracer: provider.Tracer(cfg.ServiceName), provider: provider}, nil
}

// =============================================================================
// OpenTelemetry
// =============================================================================

// OTelTracer records spans through an SDK tracer provider.
type OTelTracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// StartSpan implements Tracer.
func (t *OTelTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		otelAttrs = append(otelAttrs, attribute.String(k, v))
	}

	ctx, span := t.tracer.Start(ctx, name,
		trace.WithAttributes(otelAttrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// TraceID implements Tracer.
func (t *OTelTracer) TraceID(ctx context.Context) string {
	id := trace.SpanFromContext(ctx).SpanContext().TraceID()
	if !id.IsValid() {
		return ""
	}
	return id.String()
}

// Shutdown implements Tracer.
func (t *OTelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// =============================================================================
// No-op
// =============================================================================

// NoOpTracer starts nothing.
type NoOpTracer struct{}

// StartSpan implements Tracer.
func (NoOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// TraceID implements Tracer.
func (NoOpTracer) TraceID(ctx context.Context) string { return "" }

// Shutdown implements Tracer.
func (NoOpTracer) Shutdown(ctx context.Context) error { return nil }

var (
	_ Tracer = (*OTelTracer)(nil)
	_ Tracer = NoOpTracer{}
)

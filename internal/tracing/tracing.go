// Package tracing wraps OpenTelemetry span creation around the attempt/run
// lifecycle, adapted from the pack's provider-tracing conventions to the
// worker's own attempt/run/job vocabulary.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used across attempt/run/job spans.
var (
	AttrAttemptID = attribute.Key("attempt.id")
	AttrRunID     = attribute.Key("run.id")
	AttrJobID     = attribute.Key("job.id")
	AttrErrorCode = attribute.Key("error.code")
)

// Tracer wraps an OpenTelemetry tracer scoped to the worker service.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Config controls whether and how spans are exported.
type Config struct {
	Enabled bool
}

// New builds a Tracer. When cfg.Enabled is false, spans are created against
// a no-op provider (never exported) so callers never need a nil check.
func New(cfg Config, serviceName string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider()
		return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: build stdout exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// StartAttempt begins the span spanning a whole attempt's lifecycle.
func (t *Tracer) StartAttempt(ctx context.Context, attemptID string) (context.Context, *Span) {
	ctx, span := t.tracer.Start(ctx, "attempt.run", trace.WithAttributes(AttrAttemptID.String(attemptID)))
	return ctx, &Span{span: span}
}

// StartRun begins the span for one job's run within an attempt.
func (t *Tracer) StartRun(ctx context.Context, runID, jobID string) (context.Context, *Span) {
	ctx, span := t.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		AttrRunID.String(runID),
		AttrJobID.String(jobID),
	))
	return ctx, &Span{span: span}
}

// Span wraps an otel span with the Record helpers the attempt/run lifecycle
// needs, so callers depend on this package rather than otel/trace directly.
type Span struct {
	span trace.Span
}

// SpanContext passes through the wrapped span's context, for callers that
// need to correlate it against the context otel attached it to.
func (s *Span) SpanContext() trace.SpanContext { return s.span.SpanContext() }

// End closes the span.
func (s *Span) End() { s.span.End() }

// RecordFailure marks span as failed with errCode (one of workerrors'
// stable codes) and the underlying error message.
func (s *Span) RecordFailure(errCode string, err error) {
	s.span.SetAttributes(AttrErrorCode.String(errCode))
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.SetStatus(codes.Error, errCode)
}

// RecordSuccess marks span as completed without error.
func (s *Span) RecordSuccess() {
	s.span.SetStatus(codes.Ok, "")
}

// RecordFailure is the package-level form for callers holding a bare span
// reference rather than going through Tracer.Start*.
func RecordFailure(span *Span, errCode string, err error) { span.RecordFailure(errCode, err) }

// RecordSuccess is the package-level form for callers holding a bare span
// reference rather than going through Tracer.Start*.
func RecordSuccess(span *Span) { span.RecordSuccess() }

// Shutdown flushes and stops the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

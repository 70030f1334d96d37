package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewDisabledProducesNoopSpans(t *testing.T) {
	tr, err := New(Config{Enabled: false}, "lightning-worker-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Shutdown(context.Background())

	ctx, span := tr.StartAttempt(context.Background(), "attempt-1")
	if !trace.SpanContextFromContext(ctx).Equal(span.SpanContext()) {
		t.Fatalf("expected span context to be attached to returned ctx")
	}
	span.End()
}

func TestStartRunReturnsSpan(t *testing.T) {
	tr, err := New(Config{Enabled: false}, "lightning-worker-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Shutdown(context.Background())

	_, span := tr.StartRun(context.Background(), "run-1", "job-1")
	defer span.End()

	// With no exporter attached the span's attributes are never exported, so
	// this only checks that the call does not panic and returns a non-nil span.
	if span == nil {
		t.Fatal("expected non-nil span")
	}
}

func TestRecordFailureAndSuccessDoNotPanic(t *testing.T) {
	tr, err := New(Config{Enabled: false}, "lightning-worker-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Shutdown(context.Background())

	_, span := tr.StartAttempt(context.Background(), "attempt-1")
	RecordFailure(span, "ERR_TIMEOUT", errors.New("deadline exceeded"))
	span.End()

	_, span2 := tr.StartAttempt(context.Background(), "attempt-2")
	RecordSuccess(span2)
	span2.End()
}

func TestShutdownSucceeds(t *testing.T) {
	tr, err := New(Config{Enabled: false}, "lightning-worker-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
}

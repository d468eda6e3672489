package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a new span under the Provider's tracer, kept from the
// teacher SDK's identical helper.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// AddAttribute adds a string attribute to a span.
func (p *Provider) AddAttribute(span trace.Span, key, value string) {
	span.SetAttributes(attribute.String(key, value))
}

// SetSuccess marks a span as successful.
func (p *Provider) SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SetError marks a span as an error with a message.
func (p *Provider) SetError(span trace.Span, message string) {
	span.SetStatus(codes.Error, message)
}

// RecordError records a Go error on a span, matching the teacher's
// RecordError but without re-capturing a stack trace of its own, since the
// agent's own exception capture already carries one.
func (p *Provider) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordExceptionCapture annotates the active span (if any) with an
// "aivory.exception" event carrying the capture's fingerprint and type, so
// an exception report correlates with the distributed trace it occurred in.
func (p *Provider) RecordExceptionCapture(ctx context.Context, exceptionType, fingerprint string) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}
	span.AddEvent("aivory.exception", trace.WithAttributes(
		attribute.String("exception.type", exceptionType),
		attribute.String("exception.fingerprint", fingerprint),
	))
	span.SetStatus(codes.Error, exceptionType)
}

// RecordBreakpointHit annotates the active span (if any) with an
// "aivory.breakpoint_hit" event.
func (p *Provider) RecordBreakpointHit(ctx context.Context, breakpointID string, hitCount int) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}
	span.AddEvent("aivory.breakpoint_hit", trace.WithAttributes(
		attribute.String("breakpoint.id", breakpointID),
		attribute.Int("breakpoint.hit_count", hitCount),
	))
}

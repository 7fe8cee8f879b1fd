package logger

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "scheduler"

// SpanContext pairs a span with the context that carries it.
type SpanContext struct {
	ctx  context.Context
	span trace.Span
}

// StartSpan starts a child span. The scheduling fields already on ctx (level,
// agent, request, work order) become span attributes.
//
//	sc := logger.StartSpan(ctx, "tactical.optimize")
//	defer sc.End()
//	ctx = sc.Context()
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) *SpanContext {
	opts = append(opts, trace.WithAttributes(fieldAttributes(GetLogFields(ctx))...))
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, opts...)
	return &SpanContext{ctx: ctx, span: span}
}

// StartSpanFromTraceID continues a trace whose id arrived with a queued
// request. An empty or malformed id starts a fresh trace.
func StartSpanFromTraceID(ctx context.Context, traceIDStr string, name string, opts ...trace.SpanStartOption) *SpanContext {
	traceID, err := trace.TraceIDFromHex(traceIDStr)
	if traceIDStr == "" || err != nil {
		return StartSpan(ctx, name, opts...)
	}

	remote := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	opts = append(opts, trace.WithLinks(trace.Link{SpanContext: remote}))
	return StartSpan(trace.ContextWithRemoteSpanContext(ctx, remote), name, opts...)
}

func (sc *SpanContext) Context() context.Context {
	return sc.ctx
}

// End is a no-op after the first call.
func (sc *SpanContext) End() {
	if sc.span != nil {
		sc.span.End()
	}
}

func (sc *SpanContext) SetAttributes(kv ...attribute.KeyValue) {
	if sc.span != nil {
		sc.span.SetAttributes(kv...)
	}
}

// Fail records err and marks the span as failed with the error kind.
func (sc *SpanContext) Fail(kind string, err error) {
	if sc.span == nil || err == nil {
		return
	}
	sc.span.RecordError(err, trace.WithAttributes(attribute.String("scheduler.error.kind", kind)))
	sc.span.SetStatus(codes.Error, kind)
}

func fieldAttributes(f LogFields) []attribute.KeyValue {
	var kv []attribute.KeyValue
	if f.Component != "" {
		kv = append(kv, attribute.String("scheduler.component", f.Component))
	}
	if f.Level != nil {
		kv = append(kv, attribute.String("scheduler.level", *f.Level))
	}
	if f.AgentID != nil {
		kv = append(kv, attribute.String("scheduler.agent_id", *f.AgentID))
	}
	if f.RequestID != nil {
		kv = append(kv, attribute.String("scheduler.request_id", strconv.FormatInt(*f.RequestID, 10)))
	}
	if f.MessageID != nil {
		kv = append(kv, attribute.String("messaging.message.id", *f.MessageID))
	}
	if f.WorkOrderNumber != nil {
		kv = append(kv, attribute.Int64("scheduler.work_order_number", int64(*f.WorkOrderNumber)))
	}
	if f.ActivityNumber != nil {
		kv = append(kv, attribute.Int64("scheduler.activity_number", int64(*f.ActivityNumber)))
	}
	return kv
}

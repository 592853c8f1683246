package tracing

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transportTracerName = "orchestrator-transport"

func transportTracer() trace.Tracer {
	return Tracer(transportTracerName)
}

// TraceSessionStart creates a long-lived span for a session. The caller must
// call span.End() when the session stops. All operations for the session
// should be created as children of this span's context.
func TraceSessionStart(ctx context.Context, sessionID, kind string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "session",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("adapter_kind", kind),
	)
	return ctx, span
}

// TraceSessionRecovered creates a session span for a recovered session (after
// a backend restart or a pty crash recovery).
func TraceSessionRecovered(ctx context.Context, sessionID, kind string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "session.recovered",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("adapter_kind", kind),
		attribute.Bool("recovered", true),
	)
	return ctx, span
}

// TraceHTTPRequest starts a span for an inbound HTTP call.
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "http."+method+" "+path,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	return ctx, span
}

// TraceHTTPResponse records response attributes on the span.
func TraceHTTPResponse(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceDelivery creates a single span for one attempted message delivery.
func TraceDelivery(ctx context.Context, sessionID, mode string, messageCount int) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "delivery."+mode,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("delivery_mode", mode),
		attribute.Int("message_count", messageCount),
	)
	return ctx, span
}

// TraceDeliveryResult records the result of a delivery attempt on the span.
func TraceDeliveryResult(span trace.Span, delivered bool, err error) {
	span.SetAttributes(attribute.Bool("delivered", delivered))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceAgentEvent creates a single span for an inbound adapter event (pty
// hook post or RPC notification). The raw payload is attached as a span
// event, truncated for observability.
func TraceAgentEvent(ctx context.Context, eventType, sessionID string, rawPayload json.RawMessage) {
	_, span := transportTracer().Start(ctx, "agent.event."+eventType,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("event_type", eventType),
		attribute.String("session_id", sessionID),
	)

	if len(rawPayload) > 0 {
		data := string(rawPayload)
		if len(data) > maxEventDataLen {
			data = data[:maxEventDataLen] + "...(truncated)"
		}
		span.AddEvent("event_data", trace.WithAttributes(
			attribute.String("data", data),
		))
	}
}

const maxEventDataLen = 8192

// TraceTurnEnd creates a span marking the end of an agent turn.
func TraceTurnEnd(ctx context.Context, sessionID, turnID string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "turn_end",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("turn_id", turnID),
	)
	return ctx, span
}

// TraceHandoff creates a span for one handoff-executor run.
func TraceHandoff(ctx context.Context, sessionID, path string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "handoff",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("handoff_path", path),
	)
	return ctx, span
}

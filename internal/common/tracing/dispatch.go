package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const dispatchTracerName = "finger-dispatch"

func dispatchTracer() trace.Tracer {
	return Tracer(dispatchTracerName)
}

// TraceDispatch starts a span for a dispatch to a target agent.
// Caller must call span.End() when the dispatch resolves.
func TraceDispatch(ctx context.Context, dispatchID, sourceAgentID, targetAgentID string, blocking bool) (context.Context, trace.Span) {
	ctx, span := dispatchTracer().Start(ctx, "runtime.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("dispatch_id", dispatchID),
		attribute.String("source_agent_id", sourceAgentID),
		attribute.String("target_agent_id", targetAgentID),
		attribute.Bool("blocking", blocking),
	)
	return ctx, span
}

// TraceDispatchResult records the outcome of a dispatch on its span.
func TraceDispatchResult(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceGatewayRequest starts a span for an outgoing gateway request.
// Caller must call span.End() when the ack or result arrives.
func TraceGatewayRequest(ctx context.Context, gatewayID, requestID, deliveryMode string) (context.Context, trace.Span) {
	ctx, span := dispatchTracer().Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("gateway_id", gatewayID),
		attribute.String("request_id", requestID),
		attribute.String("delivery_mode", deliveryMode),
	)
	return ctx, span
}

// TraceGatewayResponse records gateway response attributes on the span.
func TraceGatewayResponse(span trace.Span, envelopeType string, err error) {
	span.SetAttributes(attribute.String("envelope_type", envelopeType))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

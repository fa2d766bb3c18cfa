package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartRouteSpan covers one point-to-point routing operation from
// validation through final state.
func (tm *TraceManager) StartRouteSpan(ctx context.Context, sender, target string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "route_message", trace.WithAttributes(
		attribute.String("messaging.system", "acn"),
		attribute.String("messaging.operation", "route"),
		attribute.String("acn.sender", sender),
		attribute.String("acn.target", target),
	))
}

// StartDeliveryAttemptSpan covers a single transport attempt.
func (tm *TraceManager) StartDeliveryAttemptSpan(ctx context.Context, endpoint string, attempt int) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "delivery_attempt", trace.WithAttributes(
		attribute.String("messaging.system", "acn"),
		attribute.String("messaging.operation", "deliver"),
		attribute.String("acn.endpoint", endpoint),
		attribute.Int("acn.attempt", attempt),
	))
}

// StartBroadcastSpan covers a whole fan-out operation.
func (tm *TraceManager) StartBroadcastSpan(ctx context.Context, sender, strategy string, targets int) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "broadcast_message", trace.WithAttributes(
		attribute.String("messaging.system", "acn"),
		attribute.String("messaging.operation", "broadcast"),
		attribute.String("acn.sender", sender),
		attribute.String("acn.broadcast.strategy", strategy),
		attribute.Int("acn.broadcast.targets", targets),
	))
}

// StartForwardSpan covers a cross-subnet forward through the gateway.
func (tm *TraceManager) StartForwardSpan(ctx context.Context, endpoint string, hops int) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "forward_envelope", trace.WithAttributes(
		attribute.String("messaging.system", "acn"),
		attribute.String("messaging.operation", "forward"),
		attribute.String("acn.endpoint", endpoint),
		attribute.Int("acn.hops", hops),
	))
}

// StartPublishSpan covers a realtime event publish.
func (tm *TraceManager) StartPublishSpan(ctx context.Context, channel, eventType string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "publish_event", trace.WithAttributes(
		attribute.String("messaging.system", "acn"),
		attribute.String("messaging.operation", "publish"),
		attribute.String("acn.channel", channel),
		attribute.String("acn.event.type", eventType),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(1, err.Error()) // Error status
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(2, "") // OK status
}

// AddTaskAttributes attaches task identity and lifecycle state to a span.
func (tm *TraceManager) AddTaskAttributes(span trace.Span, taskID, contextID, state string) {
	span.SetAttributes(
		attribute.String("acn.task.id", taskID),
		attribute.String("acn.task.context_id", contextID),
		attribute.String("acn.task.state", state),
	)
}

// AddSubnetAttributes attaches the subnet decision to a span.
func (tm *TraceManager) AddSubnetAttributes(span trace.Span, targetSubnets []string, crossSubnet bool) {
	span.SetAttributes(
		attribute.StringSlice("acn.subnet.target_subnets", targetSubnets),
		attribute.Bool("acn.subnet.cross", crossSubnet),
	)
}

// AddSpanEvent adds a timestamped event to a span.
func (tm *TraceManager) AddSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}

// AddComponentAttribute adds a component identifier to a span.
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("acn.component", component))
}

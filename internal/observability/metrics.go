package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type MetricsManager struct {
	meter metric.Meter

	// Task lifecycle metrics
	tasksCreatedTotal    metric.Int64Counter
	taskTransitionsTotal metric.Int64Counter
	taskConflictsTotal   metric.Int64Counter
	tasksSweptTotal      metric.Int64Counter

	// Delivery metrics
	deliveryAttemptsTotal metric.Int64Counter
	deliveryDuration      metric.Float64Histogram
	deadLettersTotal      metric.Int64Counter
	authorizationDenied   metric.Int64Counter

	// Broadcast metrics
	broadcastsTotal    metric.Int64Counter
	broadcastLegsTotal metric.Int64Counter

	// Realtime metrics
	realtimeConnections  metric.Int64UpDownCounter
	realtimeEventsTotal  metric.Int64Counter
	realtimeDroppedTotal metric.Int64Counter

	// System metrics
	goGoroutines         metric.Int64UpDownCounter
	goMemstatsAllocBytes metric.Int64UpDownCounter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	mm.tasksCreatedTotal, err = meter.Int64Counter(
		"tasks_created_total",
		metric.WithDescription("Total number of tasks created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.taskTransitionsTotal, err = meter.Int64Counter(
		"task_transitions_total",
		metric.WithDescription("Total number of task state transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.taskConflictsTotal, err = meter.Int64Counter(
		"task_transition_conflicts_total",
		metric.WithDescription("Total number of rejected task transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.tasksSweptTotal, err = meter.Int64Counter(
		"tasks_swept_total",
		metric.WithDescription("Total number of expired tasks removed by the sweeper"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.deliveryAttemptsTotal, err = meter.Int64Counter(
		"delivery_attempts_total",
		metric.WithDescription("Total number of transport delivery attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.deliveryDuration, err = meter.Float64Histogram(
		"delivery_duration_seconds",
		metric.WithDescription("End-to-end delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.deadLettersTotal, err = meter.Int64Counter(
		"dead_letters_total",
		metric.WithDescription("Total number of messages written to the dead letter queue"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.authorizationDenied, err = meter.Int64Counter(
		"authorization_denied_total",
		metric.WithDescription("Total number of cross-subnet deliveries denied"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.broadcastsTotal, err = meter.Int64Counter(
		"broadcasts_total",
		metric.WithDescription("Total number of broadcast operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.broadcastLegsTotal, err = meter.Int64Counter(
		"broadcast_legs_total",
		metric.WithDescription("Total number of broadcast legs by final state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.realtimeConnections, err = meter.Int64UpDownCounter(
		"realtime_connections",
		metric.WithDescription("Number of live realtime connections"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.realtimeEventsTotal, err = meter.Int64Counter(
		"realtime_events_total",
		metric.WithDescription("Total number of realtime events published"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.realtimeDroppedTotal, err = meter.Int64Counter(
		"realtime_dropped_events_total",
		metric.WithDescription("Total number of realtime events dropped on buffer overflow"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

func (mm *MetricsManager) IncrementTasksCreated(ctx context.Context, kind string) {
	mm.tasksCreatedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

func (mm *MetricsManager) IncrementTaskTransitions(ctx context.Context, from, to string) {
	mm.taskTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (mm *MetricsManager) IncrementTaskConflicts(ctx context.Context, to string) {
	mm.taskConflictsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", to),
	))
}

func (mm *MetricsManager) AddTasksSwept(ctx context.Context, n int) {
	mm.tasksSweptTotal.Add(ctx, int64(n))
}

func (mm *MetricsManager) IncrementDeliveryAttempts(ctx context.Context, target string, success bool) {
	mm.deliveryAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.Bool("success", success),
	))
}

func (mm *MetricsManager) RecordDeliveryDuration(ctx context.Context, target string, duration time.Duration) {
	mm.deliveryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("target", target),
	))
}

func (mm *MetricsManager) IncrementDeadLetters(ctx context.Context, contextID string) {
	mm.deadLettersTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("context_id", contextID),
	))
}

func (mm *MetricsManager) IncrementAuthorizationDenied(ctx context.Context, target string) {
	mm.authorizationDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
	))
}

func (mm *MetricsManager) IncrementBroadcasts(ctx context.Context, strategy string) {
	mm.broadcastsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
	))
}

func (mm *MetricsManager) IncrementBroadcastLegs(ctx context.Context, strategy, finalState string) {
	mm.broadcastLegsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("final_state", finalState),
	))
}

func (mm *MetricsManager) AddRealtimeConnections(ctx context.Context, delta int64) {
	mm.realtimeConnections.Add(ctx, delta)
}

func (mm *MetricsManager) IncrementRealtimeEvents(ctx context.Context, eventType string) {
	mm.realtimeEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

func (mm *MetricsManager) AddRealtimeDropped(ctx context.Context, n int) {
	mm.realtimeDroppedTotal.Add(ctx, int64(n))
}

func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
}

// StartTimer returns a stop function that records delivery duration.
func (mm *MetricsManager) StartTimer() func(ctx context.Context, target string) {
	start := time.Now()
	return func(ctx context.Context, target string) {
		mm.RecordDeliveryDuration(ctx, target, time.Since(start))
	}
}

// Package observability provides the observability infrastructure shared by
// every ACN process: distributed tracing, metrics collection, structured
// logging, and health checks.
//
// # Overview
//
// The observability package implements OpenTelemetry-based observability with:
//   - Distributed tracing (OTLP exporter)
//   - Metrics collection (Prometheus)
//   - Structured logging (log/slog)
//   - Health check endpoints
//   - Domain span helpers for routing, broadcast, forwarding and realtime publishes
//   - Graceful shutdown with trace flushing
//
// # Quick Start
//
// Initialize observability for your service:
//
//	config := observability.DefaultConfig("my_service")
//	obs, err := observability.NewObservability(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer obs.Shutdown(context.Background())
//
//	// Use the components
//	logger := obs.Logger
//	tracer := obs.Tracer
//	meter := obs.Meter
//
// This automatically sets up:
//   - OTLP trace exporter
//   - Prometheus metrics exporter
//   - Structured logger with trace context injection
//   - Proper resource attributes (service name, version, environment)
//
// # Architecture
//
// The package provides layered observability:
//
//	┌─────────────────────────────────────────────┐
//	│         Application Code                    │
//	│   (Router, Broadcast, Gateway, Hub)         │
//	├─────────────────────────────────────────────┤
//	│         TraceManager                        │
//	│   - Span creation & management              │
//	│   - Delivery-specific span attributes       │
//	│   - Context propagation                     │
//	├─────────────────────────────────────────────┤
//	│         MetricsManager                      │
//	│   - Counter metrics (tasks, legs, errors)   │
//	│   - Histogram metrics (delivery durations)  │
//	│   - Gauge metrics (connections, goroutines) │
//	├─────────────────────────────────────────────┤
//	│         Logger (slog)                       │
//	│   - Structured logging                      │
//	│   - Trace context injection                 │
//	│   - Configurable log levels                 │
//	├─────────────────────────────────────────────┤
//	│         HealthServer                        │
//	│   - /health, /ready, /metrics               │
//	│   - Pluggable checkers (self, Redis)        │
//	│   - Extra handlers on a shared listener     │
//	└─────────────────────────────────────────────┘
//
// # Health Checks
//
// The HealthServer exposes HTTP endpoints and accepts pluggable checkers:
//
//	hs := observability.NewHealthServer("8080", "acn-gateway", "1.0.0")
//	hs.AddChecker("redis", observability.NewRedisHealthChecker("redis", rdb))
//	go hs.Start(ctx)
//
// A failing checker flips /health and /ready to 503.
package observability

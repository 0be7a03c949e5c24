/*
Package runtime provides the worker runtime of fitbroker.

# Architecture Overview

A worker hosts fitables, publishes them to the registry under a lease and
answers calls addressed to it over a Watermill transport. Outgoing calls are
resolved through the registry, balanced to one worker and sent as
request/reply messages; calls routed to this worker skip the transport.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - Message router (Watermill) consuming the worker topic
  - Transport client correlating replies to pending calls
  - Dispatcher, filter registry and async interceptor
  - Registry store, remote registry client or both, plus the heartbeat
  - Resolver and invoker for outgoing calls
  - HTTP servers for the inspection API and /metrics

## Middleware (middleware.go)

Watermill middleware around the worker handler:
  - CorrelationID: Ensures every request carries a correlation id
  - LogMessages: Debug logging of frame sizes and queue lag
  - Tracer: OpenTelemetry spans continuing the caller trace
  - Metrics: Prometheus metrics collection
  - Timeout: Bounds the handler context by CallTimeout
  - Recoverer: Panic recovery

## Hooks & Metrics (hooks.go, call_metrics.go)

CallHooks observe finished calls on the client and the server side and every
degradation. CallMetrics keeps per-genericable counters and Prometheus
collectors fed by those hooks.

## Stats & Monitoring (models.go, resources.go)

Extended metrics collection per served fitable:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling

## Inspection API (observability.go)

HTTP API for introspecting fitables, workers, call metrics and configuration.

# Sub-packages

  - async/: Bounded executor pools for asynchronous fitables
  - config/: Worker configuration with validation
  - dispatch/: Local executors, filter chain and wildcard patterns
  - errors/: Sentinel errors, error kinds and error types
  - identity/: Genericables, fitables, workers and wire formats
  - ids/: ULID generation for worker and correlation ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - registry/: Lease registry store, remote client and heartbeat
  - router/: Resolution, load balancing, format negotiation and invocation
  - transport/: Request/reply client and worker handler over Watermill
  - varint/: Variable length integer codec
  - wire/: Frame layout and payload serializers

# Usage Example

	cfg := &fitbroker.Config{
		PubSubSystem:  "kafka",
		KafkaBrokers:  []string{"localhost:9092"},
		ServeRegistry: true,
	}

	svc, err := fitbroker.NewService(ctx, cfg, logger, fitbroker.ServiceDependencies{})
	if err != nil {
		return err
	}

	err = svc.RegisterFitable(ctx, fitbroker.FitableRegistration{
		Meta:   fitbroker.FitableMeta{Fitable: fitbroker.Fitable{GenericableID: "greeter.hello", FitableID: "english"}},
		Invoke: fitbroker.Func(greet),
	})

	svc.Start(ctx)
*/
package runtime

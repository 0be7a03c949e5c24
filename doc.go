// Package fitbroker is a service broker for FIT style remote calls. A
// genericable is an abstract operation identified by id and version; a
// fitable is one concrete implementation of it hosted by some worker.
// Workers publish the fitables they host to a lease based registry, and
// callers resolve a genericable to a single worker, negotiate a wire format
// and invoke it over a Watermill transport (Kafka, RabbitMQ, NATS, HTTP or Go
// channels), falling back to a declared degradation fitable when the target
// is unreachable.
//
// Service wires everything for one worker process: it registers local
// fitables with the dispatcher, runs the heartbeat that keeps their lease
// alive, serves incoming calls through the filter chain and exposes Call and
// Router for outgoing ones. A minimal setup fills Config, creates a Service,
// registers fitables with RegisterFitable and calls Start.
//
// # Transports
//
// Calls travel as request/reply messages on per-worker topics:
//   - channel: In-memory Go channels for tests and single-process setups
//   - kafka: Consumer groups per worker topic
//   - rabbitmq: AMQP durable queues
//   - nats: Core NATS subjects
//   - http: One POST per message against a gateway
//
// # Registry
//
// A worker either keeps an in-process registry store, serves that store to
// the cluster under RegistryWorkerID, or talks to a remote registry worker.
// Leases expire lazily; a worker that stops renewing disappears from query
// results once its lease runs out.
//
// # Filters and middleware
//
// Filters run on the receiving side in priority order for every genericable
// their patterns match; the built-in chain adds tracing, rate limiting and
// logging. Watermill middleware wraps the transport handler with correlation
// ids, tracing, metrics, timeouts and panic recovery. Custom middleware can be
// added via ServiceDependencies.Middlewares.
//
// # Call hooks
//
// CallHooks observe both sides of every call and every degradation, for
// custom logging, metrics collection and alerting.
package fitbroker

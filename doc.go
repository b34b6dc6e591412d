// Package railsignal collects and serves Hungarian train delay data over an
// asynchronous request/response pipeline built on Watermill. Collector
// services consume delay data requests from the broker, query an upstream
// timetable service (a MÁV-style JSON API or an EMMA-style GTFS-RT feed),
// reconcile the raw stop times into a per-station delay timeline, and answer
// on the response topic. Aggregator services consume those responses,
// resolve in-process waiters through a correlation registry, fill TTL caches
// for station coordinates and weather, and mark trains whose data is final
// for the operating day.
//
// The broker transport (Go channels, Kafka, RabbitMQ, or NATS) is selected
// from Config and built through the transport registry; importing
// transport/transports registers all four. The router carries a default
// middleware chain: correlation id injection, structured message logging,
// OpenTelemetry tracing, optional Prometheus metrics, retry with exponential
// backoff, poison queue forwarding, and panic recovery.
//
// The root package re-exports the service, event, and engine types so
// embedders do not import internal packages directly; the runnable services
// live under cmd/collector and cmd/aggregator.
package railsignal

// Package rabbitmq holds the broker plumbing behind the RabbitMQ session:
// a ConnectionManager that reconnects with backoff and tells listeners about
// it, and the fanout topology every destination is mapped onto.
//
// Destinations are fanout exchanges. Every subscription owns an exclusive,
// server-named queue bound to its exchange, so a publish reaches all current
// subscribers of the destination.
package rabbitmq

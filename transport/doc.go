// Package transport is the transport directory of the mmate-cqrs framework.
//
// A TransportInfo describes how to reach a broker (address, credentials, the kind of
// messaging driver to use) and which jail strategy namespaces its destinations.
// The Resolver validates a set of named transports once, attaches the resolved
// JailStrategy to each of them and answers lookups by transport id.
//
// Jailing lets two logically identical systems share one broker: under the
// MachineName strategy "queue.X" becomes "queue.X.<hostname>", under Guid it gets a
// suffix unique to the resolver instance, and under None it is left untouched.
package transport

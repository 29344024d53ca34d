// Package messaging provides the transport-agnostic messaging layer of the mmate-cqrs framework.
//
// This package implements:
//   - Session: per-connection publish, subscribe-with-acknowledgment, temporary destinations
//     and correlated request/reply
//   - Sequencer: the single-goroutine mailbox every session delivers callbacks on
//   - InMemoryTransport / InMemorySession: the reference Session implementation
//   - RequestHandle: ties a request to at most one reply callback
//   - Engine: typed send/subscribe/request over sessions, resolving transports, jailed
//     destination names and serializers
//
// Key guarantees:
//   - Callbacks of one session never run concurrently and run in publish order per destination
//   - Sending never blocks on consumers; negative acknowledgments are redelivered off the sequencer
//   - Closing a session waits for in-flight callbacks and is safe to call from inside one
//
// Example usage:
//
//	memory := messaging.NewInMemoryTransport()
//	session, _ := memory.CreateSession()
//	defer session.Close()
//
//	sub, _ := session.Subscribe("orders", func(msg *contracts.BinaryMessage, ack messaging.AckFunc) {
//		if err := handle(msg); err != nil {
//			ack(false) // redeliver
//		}
//	}, "")
//	defer sub.Close()
//
//	_ = session.Send("orders", contracts.NewBinaryMessage("PlaceOrder", body), 0)
package messaging

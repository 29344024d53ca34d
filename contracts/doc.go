// Package contracts provides the wire-level types shared by every layer of the mmate-cqrs framework.
//
// This package defines:
//   - BinaryMessage: the transport-agnostic wire shape (type tag, body, string headers)
//   - Destination: a publish/subscribe name pair understood by messaging sessions
//   - CommandPriority: dispatch priority attached to command subscriptions
//   - The error taxonomy (configuration conflicts, invalid arguments, processing and transport failures)
//
// Reserved headers carry request/reply correlation. A requester stamps its temporary reply
// destination into HeaderReplyTo; the responder echoes that value back in HeaderCorrelationID,
// so the reply-to address doubles as the correlation key.
package contracts

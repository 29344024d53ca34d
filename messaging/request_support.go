package messaging

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-cqrs/contracts"
)

// Conduit is the part of a Session request/reply is built on
type Conduit interface {
	CreateTemporaryDestination() (contracts.Destination, error)
	Send(destination string, msg *contracts.BinaryMessage, ttl time.Duration) error
	Subscribe(destination string, callback CallbackFunc, messageType string) (Subscription, error)
}

// SendRequestVia implements Session.SendRequest over c. release frees the
// temporary reply destination once the handle closes. The handle closes itself
// after the reply was delivered; a failed send is reported to callback wrapped
// in contracts.ErrTransport.
func SendRequestVia(c Conduit, release func(name string), destination string, msg *contracts.BinaryMessage, callback ReplyFunc, logger *slog.Logger) (*RequestHandle, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message cannot be nil", contracts.ErrInvalidArgument)
	}

	replyTo, err := c.CreateTemporaryDestination()
	if err != nil {
		return nil, err
	}

	handle := NewRequestHandle(callback, func() { release(replyTo.Subscribe) })

	sub, err := c.Subscribe(replyTo.Subscribe, func(reply *contracts.BinaryMessage, ack AckFunc) {
		if handle.Complete(reply) {
			_ = handle.Close()
		}
	}, "")
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	handle.Attach(sub)

	request := msg.Clone()
	request.SetHeader(contracts.HeaderReplyTo, replyTo.Publish)

	if err := c.Send(destination, request, 0); err != nil {
		logger.Warn("request send failed",
			"destination", destination,
			"type", msg.Type,
			"error", err)
		if handle.Fail(fmt.Errorf("%w: %w", contracts.ErrTransport, err)) {
			_ = handle.Close()
		}
	}
	return handle, nil
}

// RegisterHandlerVia implements Session.RegisterHandler over c. Requests without
// a ReplyTo header are dropped; replies carry the request's ReplyTo value as
// their CorrelationId.
func RegisterHandlerVia(c Conduit, destination string, handler HandlerFunc, messageType string, logger *slog.Logger) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", contracts.ErrInvalidArgument)
	}
	return c.Subscribe(destination, func(request *contracts.BinaryMessage, ack AckFunc) {
		replyTo, ok := request.ReplyTo()
		if !ok {
			logger.Debug("dropping request without reply address",
				"destination", destination,
				"type", request.Type)
			return
		}

		response := handler(request)
		if response == nil {
			return
		}
		response = response.Clone()
		response.SetHeader(contracts.HeaderCorrelationID, replyTo)

		if err := c.Send(replyTo, response, 0); err != nil {
			logger.Warn("reply send failed",
				"destination", replyTo,
				"type", response.Type,
				"error", err)
		}
	}, messageType)
}

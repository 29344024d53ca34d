package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-cqrs/contracts"
)

// toPublishing maps a message onto AMQP properties. ReplyTo and CorrelationId
// travel both as headers and as the matching AMQP properties.
func toPublishing(msg *contracts.BinaryMessage, ttl time.Duration) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}

	p := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Transient,
		Type:         msg.Type,
		Body:         msg.Bytes,
		Timestamp:    time.Now(),
	}
	if replyTo, ok := msg.ReplyTo(); ok {
		p.ReplyTo = replyTo
	}
	if correlation := msg.CorrelationID(); correlation != "" {
		p.CorrelationId = correlation
	}
	if ttl > 0 {
		p.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return p
}

// fromDelivery maps a delivery back to a message. Header values that are not
// strings are formatted with %v.
func fromDelivery(d amqp.Delivery) *contracts.BinaryMessage {
	msg := contracts.NewBinaryMessage(d.Type, d.Body)
	for k, v := range d.Headers {
		switch value := v.(type) {
		case string:
			msg.SetHeader(k, value)
		case []byte:
			msg.SetHeader(k, string(value))
		default:
			msg.SetHeader(k, fmt.Sprint(value))
		}
	}
	if _, ok := msg.ReplyTo(); !ok && d.ReplyTo != "" {
		msg.SetHeader(contracts.HeaderReplyTo, d.ReplyTo)
	}
	if msg.CorrelationID() == "" && d.CorrelationId != "" {
		msg.SetHeader(contracts.HeaderCorrelationID, d.CorrelationId)
	}
	return msg
}

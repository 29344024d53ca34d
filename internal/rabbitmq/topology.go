package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeclareDestination declares the fanout exchange backing a destination.
// Temporary destinations are auto-deleted once their last queue unbinds.
func DeclareDestination(ch *amqp.Channel, name string, temporary bool) error {
	err := ch.ExchangeDeclare(
		name,
		amqp.ExchangeFanout,
		!temporary, // durable
		temporary,  // auto-delete
		false,      // internal
		false,      // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: err}
	}
	return nil
}

// DeclareSubscriberQueue declares an exclusive, server-named queue bound to the
// destination's exchange and returns its name
func DeclareSubscriberQueue(ch *amqp.Channel, destination string) (string, error) {
	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", &TopologyError{Component: "queue", Name: destination, Op: "declare", Err: err}
	}

	if err := ch.QueueBind(q.Name, "", destination, false, nil); err != nil {
		return "", &TopologyError{Component: "binding", Name: q.Name + "->" + destination, Op: "declare", Err: err}
	}
	return q.Name, nil
}

// DeleteDestination removes a destination's exchange
func DeleteDestination(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDelete(name, false, false); err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "delete", Err: err}
	}
	return nil
}

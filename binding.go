package dispatch

import (
	"github.com/glimte/rabbitmq-dispatch/config"
	"github.com/glimte/rabbitmq-dispatch/transports/rabbitmq"
)

// Binding ties a queue on a named connection to a handler, together with
// the basic.consume flags used to register it.
type Binding = config.Consumer

// Select returns the bindings for connection, narrowed to queue when queue is
// not empty. Registry order is preserved.
func Select(bindings []Binding, connection, queue string) []Binding {
	var selected []Binding
	for _, b := range bindings {
		if matches(b, connection, queue) {
			selected = append(selected, b)
		}
	}
	return selected
}

func matches(b Binding, connection, queue string) bool {
	name := b.Connection
	if name == "" {
		name = config.DefaultConnection
	}
	if name != connection {
		return false
	}
	return queue == "" || b.Queue == queue
}

// ConsumeOptions converts a binding into basic.consume options
func ConsumeOptions(b Binding) rabbitmq.ConsumeOptions {
	return rabbitmq.ConsumeOptions{
		Queue:       b.Queue,
		ConsumerTag: b.ConsumerTag,
		NoAck:       b.NoAck,
		Exclusive:   b.Exclusive,
		NoWait:      b.NoWait,
		Arguments:   rabbitmq.Table(b.Arguments),
		Ticket:      b.Ticket,
	}
}

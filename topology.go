package dispatch

import (
	"github.com/glimte/rabbitmq-dispatch/config"
	"github.com/glimte/rabbitmq-dispatch/transports/rabbitmq"
)

// Topology converts the configured topology of one connection into session
// declarations.
func Topology(t config.Topology) rabbitmq.Topology {
	var out rabbitmq.Topology

	for _, ex := range t.Exchanges {
		out.Exchanges = append(out.Exchanges, rabbitmq.ExchangeDeclaration{
			Name:       ex.Name,
			Type:       ex.Type,
			Passive:    ex.Passive,
			Durable:    ex.Durable,
			AutoDelete: ex.AutoDelete,
			Internal:   ex.Internal,
			NoWait:     ex.NoWait,
			Arguments:  rabbitmq.Table(ex.Arguments),
			Ticket:     ex.Ticket,
		})
	}

	for _, q := range t.Queues {
		out.Queues = append(out.Queues, rabbitmq.QueueDeclaration{
			Name:       q.Name,
			Passive:    q.Passive,
			Durable:    q.Durable,
			Exclusive:  q.Exclusive,
			AutoDelete: q.AutoDelete,
			NoWait:     q.NoWait,
			Arguments:  rabbitmq.Table(q.Arguments),
			Ticket:     q.Ticket,
		})
	}

	for _, b := range t.Bindings {
		out.Bindings = append(out.Bindings, rabbitmq.Binding{
			Queue:      b.Queue,
			Exchange:   b.Exchange,
			RoutingKey: b.RoutingKey,
			NoWait:     b.NoWait,
			Arguments:  rabbitmq.Table(b.Arguments),
			Ticket:     b.Ticket,
		})
	}

	return out
}

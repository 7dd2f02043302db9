package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange types understood by the broker
const (
	ExchangeDirect  = amqp.ExchangeDirect
	ExchangeTopic   = amqp.ExchangeTopic
	ExchangeFanout  = amqp.ExchangeFanout
	ExchangeHeaders = amqp.ExchangeHeaders
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  amqp.Table
	// Ticket is the AMQP 0-8 access ticket. 0-9-1 reserves the field and
	// always sends zero, so it is carried for configuration parity only.
	Ticket *int
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  amqp.Table
	Ticket     *int
}

// Binding defines a queue-to-exchange binding. An empty RoutingKey is valid.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  amqp.Table
	Ticket     *int
}

// Topology represents a set of exchanges, queues and bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewExchangeDeclaration returns a durable direct exchange declaration
func NewExchangeDeclaration(name string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    name,
		Type:    ExchangeDirect,
		Durable: true,
	}
}

// NewQueueDeclaration returns a durable queue declaration
func NewQueueDeclaration(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:    name,
		Durable: true,
	}
}

// ValidExchangeType reports whether kind names a built-in exchange type or
// a plugin-provided "x-" type.
func ValidExchangeType(kind string) bool {
	switch kind {
	case ExchangeDirect, ExchangeTopic, ExchangeFanout, ExchangeHeaders:
		return true
	}
	return strings.HasPrefix(kind, "x-") && len(kind) > 2
}

// DeclareExchange declares an exchange on the session channel. A passive
// declaration only checks that the exchange exists.
func (s *Session) DeclareExchange(exchange ExchangeDeclaration) error {
	if exchange.Type == "" {
		exchange.Type = ExchangeDirect
	}
	if !ValidExchangeType(exchange.Type) {
		return s.topologyError("exchange", exchange.Name, "declare",
			fmt.Errorf("%w: %q", ErrInvalidExchangeType, exchange.Type))
	}

	ch, err := s.channel()
	if err != nil {
		return s.topologyError("exchange", exchange.Name, "declare", err)
	}
	s.logTicket("exchange", exchange.Name, exchange.Ticket)

	declare := ch.ExchangeDeclare
	if exchange.Passive {
		declare = ch.ExchangeDeclarePassive
	}
	if err := declare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		exchange.Internal,
		exchange.NoWait,
		exchange.Arguments,
	); err != nil {
		return s.topologyError("exchange", exchange.Name, "declare", err)
	}

	s.logger.Debug("exchange declared",
		"exchange", exchange.Name,
		"type", exchange.Type,
		"passive", exchange.Passive)
	return nil
}

// DeclareQueue declares a queue on the session channel
func (s *Session) DeclareQueue(queue QueueDeclaration) (amqp.Queue, error) {
	ch, err := s.channel()
	if err != nil {
		return amqp.Queue{}, s.topologyError("queue", queue.Name, "declare", err)
	}
	s.logTicket("queue", queue.Name, queue.Ticket)

	declare := ch.QueueDeclare
	if queue.Passive {
		declare = ch.QueueDeclarePassive
	}
	q, err := declare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		queue.NoWait,
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, s.topologyError("queue", queue.Name, "declare", err)
	}

	s.logger.Debug("queue declared",
		"queue", q.Name,
		"messages", q.Messages,
		"consumers", q.Consumers,
		"passive", queue.Passive)
	return q, nil
}

// BindQueue binds a queue to an exchange
func (s *Session) BindQueue(binding Binding) error {
	name := binding.Queue + "->" + binding.Exchange
	ch, err := s.channel()
	if err != nil {
		return s.topologyError("binding", name, "declare", err)
	}
	s.logTicket("binding", name, binding.Ticket)

	if err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		binding.NoWait,
		binding.Arguments,
	); err != nil {
		return s.topologyError("binding", name, "declare", err)
	}

	s.logger.Debug("queue bound",
		"queue", binding.Queue,
		"exchange", binding.Exchange,
		"routingKey", binding.RoutingKey)
	return nil
}

// DeclareTopology declares exchanges, then queues, then bindings. It stops at
// the first failure.
func (s *Session) DeclareTopology(topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := s.DeclareExchange(exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := s.DeclareQueue(queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := s.BindQueue(binding); err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (s *Session) logTicket(component, name string, ticket *int) {
	if ticket != nil {
		s.logger.Debug("access ticket ignored by AMQP 0-9-1",
			"component", component,
			"name", name,
			"ticket", *ticket)
	}
}

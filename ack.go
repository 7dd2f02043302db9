package dispatch

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AcknowledgmentStrategy defines how deliveries are settled after the handler
// returns. Bindings consumed with NoAck are never settled.
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acks when the handler succeeds and nacks when it fails
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckAlways acks regardless of the handler result
	AckAlways
	// AckManual leaves settlement to the handler
	AckManual
)

func (s AcknowledgmentStrategy) String() string {
	switch s {
	case AckOnSuccess:
		return "ack-on-success"
	case AckAlways:
		return "ack-always"
	case AckManual:
		return "manual"
	}
	return fmt.Sprintf("AcknowledgmentStrategy(%d)", int(s))
}

// ParseAcknowledgmentStrategy parses the String form of a strategy
func ParseAcknowledgmentStrategy(s string) (AcknowledgmentStrategy, error) {
	for _, strategy := range []AcknowledgmentStrategy{AckOnSuccess, AckAlways, AckManual} {
		if strategy.String() == s {
			return strategy, nil
		}
	}
	return 0, fmt.Errorf("unknown acknowledgment strategy %q", s)
}

// AckPolicy settles deliveries for consumers that are not in no-ack mode
type AckPolicy struct {
	Strategy AcknowledgmentStrategy
	// RequeueOnError asks the broker to redeliver a failed message instead
	// of dropping or dead-lettering it.
	RequeueOnError bool
}

// DefaultAckPolicy acks after a successful handle and rejects failures
// without requeue, so a message that always fails cannot spin the loop.
func DefaultAckPolicy() AckPolicy {
	return AckPolicy{Strategy: AckOnSuccess}
}

// settle acknowledges or rejects delivery according to the handler result.
// The returned error is an acknowledgment failure, never the handler error.
func (p AckPolicy) settle(delivery amqp.Delivery, noAck bool, handlerErr error) error {
	if noAck {
		return nil
	}

	switch p.Strategy {
	case AckOnSuccess:
		if handlerErr == nil {
			return wrapAckErr("ack", delivery, delivery.Ack(false))
		}
		return wrapAckErr("nack", delivery, delivery.Nack(false, p.RequeueOnError))

	case AckAlways:
		return wrapAckErr("ack", delivery, delivery.Ack(false))

	case AckManual:
		return nil
	}

	return nil
}

func wrapAckErr(op string, delivery amqp.Delivery, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s delivery %d: %w", op, delivery.DeliveryTag, err)
}

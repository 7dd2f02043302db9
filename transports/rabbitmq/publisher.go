package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeJSON is the content type set on every published message
const ContentTypeJSON = "application/json"

// Publish encodes payload as JSON and hands it to the broker for routing via
// exchange and routingKey. No publisher confirm is awaited, and an unroutable
// message is not reported back.
func (s *Session) Publish(ctx context.Context, exchange, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("%w: %v", ErrInvalidPayload, err),
			Timestamp:  time.Now(),
		}
	}

	return s.PublishRaw(ctx, exchange, routingKey, amqp.Publishing{
		ContentType:  ContentTypeJSON,
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

// PublishRaw publishes an already encoded message. MessageId and Timestamp
// are filled in when empty.
func (s *Session) PublishRaw(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := s.channel()
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	if msg.MessageId == "" {
		msg.MessageId = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if err := ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	s.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"bytes", len(msg.Body))
	return nil
}

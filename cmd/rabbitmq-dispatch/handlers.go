package main

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	dispatch "github.com/glimte/rabbitmq-dispatch"
)

const bodyPreviewLen = 200

// builtinHandlers returns the handlers that configuration can name without
// any code of its own.
func builtinHandlers(logger *slog.Logger) *dispatch.HandlerRegistry {
	registry := dispatch.NewHandlerRegistry()
	registry.MustRegister("log", func() (dispatch.Handler, error) {
		return &logHandler{logger: logger}, nil
	})
	registry.MustRegister("discard", func() (dispatch.Handler, error) {
		return dispatch.HandlerFunc(func(ctx context.Context, msg amqp.Delivery) error {
			return nil
		}), nil
	})
	return registry
}

// logHandler writes every delivery to the log
type logHandler struct {
	logger *slog.Logger
}

func (h *logHandler) Handle(ctx context.Context, msg amqp.Delivery) error {
	h.logger.InfoContext(ctx, "message received",
		"exchange", msg.Exchange,
		"routingKey", msg.RoutingKey,
		"consumerTag", msg.ConsumerTag,
		"deliveryTag", msg.DeliveryTag,
		"messageId", msg.MessageId,
		"contentType", msg.ContentType,
		"redelivered", msg.Redelivered,
		"body", truncate(string(msg.Body), bodyPreviewLen))
	return nil
}

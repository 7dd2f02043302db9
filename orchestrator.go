// Copyright 2024 rabbitmq-dispatch Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitmq-dispatch/config"
	"github.com/glimte/rabbitmq-dispatch/transports/rabbitmq"
)

// Session is the part of a broker session the orchestrator drives
type Session interface {
	Consume(opts rabbitmq.ConsumeOptions, callback rabbitmq.Callback) error
	StartConsuming(ctx context.Context) error
	Close() error
}

// SessionFactory opens a session for the named connection
type SessionFactory func(ctx context.Context, name string, conn config.Connection) (Session, error)

// DialSession returns a SessionFactory that dials the broker with amqp091-go.
// A connection name derived from the configured name is added unless opts
// already carry one.
func DialSession(opts ...rabbitmq.SessionOption) SessionFactory {
	return func(ctx context.Context, name string, conn config.Connection) (Session, error) {
		options := append([]rabbitmq.SessionOption{
			rabbitmq.WithConnectionName("rabbitmq-dispatch-" + name),
		}, opts...)
		session, err := rabbitmq.Dial(ctx, conn.URL(), options...)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// Orchestrator registers every configured consumer of one connection on a
// single session and runs its receive loop.
type Orchestrator struct {
	config   *config.Config
	registry *HandlerRegistry
	factory  SessionFactory
	ack      AckPolicy
	logger   *slog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSessionFactory replaces the default amqp091-go session factory
func WithSessionFactory(factory SessionFactory) Option {
	return func(o *Orchestrator) {
		if factory != nil {
			o.factory = factory
		}
	}
}

// WithAckPolicy sets how deliveries are settled after handling
func WithAckPolicy(policy AckPolicy) Option {
	return func(o *Orchestrator) {
		o.ack = policy
	}
}

// NewOrchestrator creates an orchestrator over cfg and registry
func NewOrchestrator(cfg *config.Config, registry *HandlerRegistry, options ...Option) *Orchestrator {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if registry == nil {
		registry = NewHandlerRegistry()
	}

	o := &Orchestrator{
		config:   cfg,
		registry: registry,
		ack:      DefaultAckPolicy(),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(o)
	}
	if o.factory == nil {
		o.factory = DialSession(rabbitmq.WithLogger(o.logger))
	}
	return o
}

type activeBinding struct {
	binding Binding
	handler Handler
}

// Run resolves connection, selects its bindings (narrowed to queue when queue
// is not empty), builds their handlers, opens one session and blocks in the
// receive loop. Selection and handler failures are returned as
// ConfigurationError before any broker interaction. Run returns nil when ctx
// is cancelled or the session is closed locally.
func (o *Orchestrator) Run(ctx context.Context, connection, queue string) error {
	active, conn, err := o.prepare(connection, queue)
	if err != nil {
		return err
	}

	session, err := o.factory(ctx, connection, conn)
	if err != nil {
		return fmt.Errorf("failed to open session for connection %s: %w", connection, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			o.logger.Warn("failed to close session", "connection", connection, "error", err)
		}
	}()

	for _, a := range active {
		opts := ConsumeOptions(a.binding)
		if err := session.Consume(opts, o.callback(a)); err != nil {
			return err
		}
		o.logger.Debug("registered consumer",
			"connection", connection,
			"queue", a.binding.Queue,
			"handler", a.binding.Handler,
			"consumerTag", a.binding.ConsumerTag)
	}

	o.logger.Info("waiting for messages", "connection", connection, "consumers", len(active))
	return session.StartConsuming(ctx)
}

// prepare performs every check that does not need the broker
func (o *Orchestrator) prepare(connection, queue string) ([]activeBinding, config.Connection, error) {
	conn, ok := o.config.Connection(connection)
	if !ok {
		return nil, config.Connection{}, &ConfigurationError{
			Connection: connection,
			Queue:      queue,
			Err:        ErrConnectionNotFound,
		}
	}

	selected := Select(o.config.Consumers, connection, queue)
	if len(selected) == 0 {
		return nil, config.Connection{}, &ConfigurationError{
			Connection: connection,
			Queue:      queue,
			Err:        ErrNoConsumers,
		}
	}

	active := make([]activeBinding, 0, len(selected))
	for _, b := range selected {
		handler, err := o.registry.Resolve(b.Handler)
		if err != nil {
			return nil, config.Connection{}, &ConfigurationError{
				Connection: connection,
				Queue:      b.Queue,
				Handler:    b.Handler,
				Err:        err,
			}
		}
		active = append(active, activeBinding{binding: b, handler: handler})
	}
	return active, conn, nil
}

// callback invokes the handler once per delivery and settles the delivery.
// Handler failures are logged and rejected; only acknowledgment failures stop
// the loop.
func (o *Orchestrator) callback(a activeBinding) rabbitmq.Callback {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		handlerErr := o.invoke(ctx, a, delivery)
		if handlerErr != nil {
			o.logger.Error("handler failed",
				"queue", a.binding.Queue,
				"handler", a.binding.Handler,
				"deliveryTag", delivery.DeliveryTag,
				"messageId", delivery.MessageId,
				"error", handlerErr)
		}
		return o.ack.settle(delivery, a.binding.NoAck, handlerErr)
	}
}

func (o *Orchestrator) invoke(ctx context.Context, a activeBinding, delivery amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				Queue:       a.binding.Queue,
				Handler:     a.binding.Handler,
				DeliveryTag: delivery.DeliveryTag,
				MessageID:   delivery.MessageId,
				Err:         fmt.Errorf("panic: %v", r),
			}
		}
	}()

	if err := a.handler.Handle(ctx, delivery); err != nil {
		return &HandlerError{
			Queue:       a.binding.Queue,
			Handler:     a.binding.Handler,
			DeliveryTag: delivery.DeliveryTag,
			MessageID:   delivery.MessageId,
			Err:         err,
		}
	}
	return nil
}

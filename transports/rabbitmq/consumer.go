package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Callback processes one delivery. A non-nil error stops StartConsuming.
type Callback func(ctx context.Context, delivery amqp.Delivery) error

// ConsumeOptions carries the basic.consume flags for one registration
type ConsumeOptions struct {
	Queue string
	// ConsumerTag is generated when empty
	ConsumerTag string
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   amqp.Table
	Ticket      *int
}

// ConsumerInfo describes an active registration
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	NoAck       bool
}

type consumerRegistration struct {
	info       ConsumerInfo
	deliveries <-chan amqp.Delivery
	callback   Callback
}

type inbound struct {
	reg      *consumerRegistration
	delivery amqp.Delivery
}

// Consume registers callback for every message delivered on opts.Queue.
// Deliveries are never sent back to this connection's own publishes
// (no-local is always set). Several registrations share the session channel.
func (s *Session) Consume(opts ConsumeOptions, callback Callback) error {
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = "ctag-" + uuid.NewString()
	}

	consumerErr := func(err error) error {
		return &ConsumerError{
			Queue:       opts.Queue,
			ConsumerTag: opts.ConsumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if callback == nil {
		return consumerErr(ErrNilCallback)
	}

	ch, err := s.channel()
	if err != nil {
		return consumerErr(err)
	}
	s.logTicket("consumer", opts.Queue, opts.Ticket)

	deliveries, err := ch.Consume(
		opts.Queue,
		opts.ConsumerTag,
		opts.NoAck,
		opts.Exclusive,
		true, // no-local
		opts.NoWait,
		opts.Arguments,
	)
	if err != nil {
		return consumerErr(err)
	}

	reg := &consumerRegistration{
		info: ConsumerInfo{
			Queue:       opts.Queue,
			ConsumerTag: opts.ConsumerTag,
			NoAck:       opts.NoAck,
		},
		deliveries: deliveries,
		callback:   callback,
	}

	s.mu.Lock()
	s.consumers = append(s.consumers, reg)
	s.mu.Unlock()

	s.logger.Info("consuming messages from queue",
		"queue", opts.Queue,
		"consumerTag", opts.ConsumerTag,
		"noAck", opts.NoAck,
		"exclusive", opts.Exclusive)
	return nil
}

// Consumers returns the registrations made on this session, in order
func (s *Session) Consumers() []ConsumerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ConsumerInfo, 0, len(s.consumers))
	for _, reg := range s.consumers {
		infos = append(infos, reg.info)
	}
	return infos
}

// StartConsuming dispatches deliveries from every registered consumer to its
// callback, one at a time, until the channel closes. Only one callback runs
// at any moment, so a slow callback holds up every queue on the session.
//
// It returns nil when the session is closed locally or ctx is done, a
// *ChannelError wrapping ErrChannelClosed when the broker closes the channel
// or the connection drops, and the callback's error if one fails.
func (s *Session) StartConsuming(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	regs := make([]*consumerRegistration, len(s.consumers))
	copy(regs, s.consumers)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)

	inbox := make(chan inbound)
	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg *consumerRegistration) {
			defer wg.Done()
			forward(ctx, reg, inbox)
		}(reg)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	defer func() {
		cancel()
		<-drained
	}()

	s.logger.Info("starting to consume messages", "consumers", len(regs))

	streamsDone := drained

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("consume loop cancelled")
			return nil

		case amqpErr, ok := <-s.notifyClose:
			if !ok || amqpErr == nil {
				s.logger.Info("channel closed, consume loop finished")
				return nil
			}
			s.logger.Error("channel closed by broker",
				"code", amqpErr.Code,
				"reason", amqpErr.Reason)
			return &ChannelError{
				Op:        "consume",
				Err:       fmt.Errorf("%w: %w", ErrChannelClosed, amqpErr),
				Timestamp: time.Now(),
			}

		case <-streamsDone:
			// Every consumer was cancelled while the channel stays open;
			// keep waiting for the channel to close.
			s.logger.Warn("all delivery streams ended")
			streamsDone = nil

		case in := <-inbox:
			if err := in.reg.callback(ctx, in.delivery); err != nil {
				s.logger.Error("consume callback failed, stopping",
					"queue", in.reg.info.Queue,
					"deliveryTag", in.delivery.DeliveryTag,
					"error", err)
				return err
			}
		}
	}
}

// forward moves deliveries from one consumer stream into the shared inbox
func forward(ctx context.Context, reg *consumerRegistration, inbox chan<- inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-reg.deliveries:
			if !ok {
				return
			}
			select {
			case inbox <- inbound{reg: reg, delivery: d}:
			case <-ctx.Done():
				return
			}
		}
	}
}

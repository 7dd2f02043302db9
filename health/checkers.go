package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitmq-dispatch/transports/rabbitmq"
)

// Probe is the part of a broker session used by the checkers
type Probe interface {
	IsOpen() bool
	DeclareExchange(exchange rabbitmq.ExchangeDeclaration) error
	DeclareQueue(queue rabbitmq.QueueDeclaration) (amqp.Queue, error)
	Close() error
}

// Opener opens a short-lived probe session. Every check uses its own
// session because a failed passive declare closes the channel.
type Opener func(ctx context.Context) (Probe, error)

// SessionChecker checks that the broker accepts a connection and answers a
// passive declare of amq.direct.
type SessionChecker struct {
	name   string
	open   Opener
	logger *slog.Logger
}

// NewSessionChecker creates a broker session health checker
func NewSessionChecker(name string, open Opener, logger *slog.Logger) *SessionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionChecker{
		name:   name,
		open:   open,
		logger: logger,
	}
}

func (c *SessionChecker) Name() string {
	return fmt.Sprintf("rabbitmq_%s", c.name)
}

func (c *SessionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	probe, err := c.open(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open session"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer closeProbe(probe, c.logger)

	if !probe.IsOpen() {
		result.Status = StatusUnhealthy
		result.Message = "Session is closed"
		result.Duration = time.Since(start)
		return result
	}

	probeExchange := rabbitmq.NewExchangeDeclaration("amq.direct")
	probeExchange.Passive = true
	if err := probe.DeclareExchange(probeExchange); err != nil {
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["session_open"] = probe.IsOpen()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// QueueChecker checks that a queue exists and is being drained
type QueueChecker struct {
	queueName        string
	open             Opener
	warningThreshold int
	logger           *slog.Logger
}

// NewQueueChecker creates a queue health checker. A queue holding more than
// warningThreshold messages is reported degraded.
func NewQueueChecker(queueName string, open Opener, warningThreshold int, logger *slog.Logger) *QueueChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueChecker{
		queueName:        queueName,
		open:             open,
		warningThreshold: warningThreshold,
		logger:           logger,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	probe, err := c.open(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open session"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer closeProbe(probe, c.logger)

	declaration := rabbitmq.NewQueueDeclaration(c.queueName)
	declaration.Passive = true
	queue, err := probe.DeclareQueue(declaration)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Duration = time.Since(start)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	switch {
	case c.warningThreshold > 0 && queue.Messages > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count: %d", c.queueName, queue.Messages)
	case queue.Messages > 0 && queue.Consumers == 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("No consumers for %d messages on queue %s", queue.Messages, c.queueName)
	}

	return result
}

func closeProbe(probe Probe, logger *slog.Logger) {
	if err := probe.Close(); err != nil {
		logger.Debug("failed to close probe session", "error", err)
	}
}

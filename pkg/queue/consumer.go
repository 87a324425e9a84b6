package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/psantana5/media-overseer/pkg/jobs"
	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/models"
)

// DefaultQueue is consumed when no queue name is configured
const DefaultQueue = "overseer.jobs"

// Channel is the subset of *amqp.Channel the consumer uses
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Submitter accepts conversion requests
type Submitter interface {
	Submit(ctx context.Context, path string) (jobs.SubmitResult, error)
}

// Consumer turns queue messages into jobs
type Consumer struct {
	ch     Channel
	conn   *amqp.Connection
	queue  string
	jobs   Submitter
	logger *logging.Logger
}

// Dial connects to RabbitMQ and opens a channel
func Dial(url, queue string, submitter Submitter, logger *logging.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	c := NewConsumer(ch, queue, submitter, logger)
	c.conn = conn
	return c, nil
}

// NewConsumer wraps an open channel
func NewConsumer(ch Channel, queue string, submitter Submitter, logger *logging.Logger) *Consumer {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Consumer{
		ch:     ch,
		queue:  queue,
		jobs:   submitter,
		logger: logger.Component("queue").WithField("queue", queue),
	}
}

// Run consumes until ctx is done or the broker closes the delivery channel
func (c *Consumer) Run(ctx context.Context) error {
	if _, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}
	// one unacknowledged message at a time
	if err := c.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}

	c.logger.Info("consuming job requests")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed by broker")
			}
			c.Handle(ctx, d)
		}
	}
}

// Outcome is what Handle did with a message
type Outcome string

const (
	Accepted Outcome = "accepted"
	Requeued Outcome = "requeued"
	Rejected Outcome = "rejected"
)

// Handle submits one delivery and settles it.
// Malformed messages and bad input are rejected; anything else that fails is requeued.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) Outcome {
	var req models.JobRequest
	if err := json.Unmarshal(d.Body, &req); err != nil || strings.TrimSpace(req.Path) == "" {
		c.logger.Warn("rejecting malformed message", logging.Fields{"body": truncate(d.Body), "error": err})
		c.settle(d.Reject(false))
		return Rejected
	}

	res, err := c.jobs.Submit(ctx, req.Path)
	switch {
	case err == nil:
		c.logger.Info("job accepted from queue", logging.Fields{
			"job_id": res.Job.ID, "path": req.Path, "deduplicated": res.Deduplicated,
		})
		c.settle(d.Ack(false))
		return Accepted
	case errors.Is(err, jobs.ErrInvalidInput):
		c.logger.Warn("rejecting job request", logging.Fields{"path": req.Path, "error": err})
		c.settle(d.Reject(false))
		return Rejected
	default:
		c.logger.Warn("requeueing job request", logging.Fields{"path": req.Path, "error": err})
		c.settle(d.Nack(false, true))
		return Requeued
	}
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Error("failed to settle message", logging.Fields{"error": err})
	}
}

// Close closes the channel and the connection if Dial opened it
func (c *Consumer) Close() error {
	err := c.ch.Close()
	if c.conn != nil {
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}

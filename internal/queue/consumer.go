package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// settlement is what the consumer tells the broker about one delivery.
type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQConsumer{client: client, prefetch: prefetch, logger: logger}
}

// Consume blocks until ctx ends, resubscribing with exponential delays
// whenever the channel or connection drops.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = minRedialInterval
	policy.MaxInterval = maxRedialInterval
	policy.MaxElapsedTime = 0

	for {
		err := c.subscribe(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			policy.Reset()
			continue
		}

		wait := policy.NextBackOff()
		c.logger.Warn("batch subscription dropped",
			zap.String("queue", queue),
			zap.Duration("retryIn", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *RabbitMQConsumer) subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// handleDelivery decodes one delivery, runs handler and settles it.
// Malformed payloads go straight to the DLQ; handler errors are requeued.
func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeBatchMessage(d)
	if err != nil {
		c.logger.Warn("dead-lettering undecodable batch message",
			zap.String("messageId", d.MessageId),
			zap.Error(err),
		)
		return settle(d, settleDeadLetter)
	}

	if d.Redelivered {
		c.logger.Info("batch message redelivered", zap.String("batchId", msg.BatchID))
	}

	if err := handler(ctx, msg); err != nil {
		return settle(d, settleRequeue)
	}
	return settle(d, settleAck)
}

// decodeBatchMessage reads the JSON body; the AMQP correlation id fills in
// when the body omits one.
func decodeBatchMessage(d amqp.Delivery) (BatchMessage, error) {
	var msg BatchMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return BatchMessage{}, fmt.Errorf("invalid json: %w", err)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = strings.TrimSpace(d.CorrelationId)
	}
	if err := msg.Validate(); err != nil {
		return BatchMessage{}, err
	}
	return msg, nil
}

func settle(d amqp.Delivery, s settlement) error {
	var err error
	switch s {
	case settleAck:
		err = d.Ack(false)
	case settleRequeue:
		err = d.Nack(false, true)
	case settleDeadLetter:
		err = d.Reject(false)
	}
	if err != nil {
		return fmt.Errorf("failed to settle delivery %d: %w", d.DeliveryTag, err)
	}
	return nil
}

// Close is a no-op; the shared connection is closed by its owner.
func (c *RabbitMQConsumer) Close() error { return nil }

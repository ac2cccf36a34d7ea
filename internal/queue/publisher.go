package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	publisherAppID   = "email-dispatch"
	batchMessageType = "batch.queued"
	clientIDHeader   = "x-client-id"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

// Publish sends one persistent batch message to the default exchange,
// routed straight to queue.
func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg BatchMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := p.encode(msg)
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish batch %s to %q: %w", msg.BatchID, queue, err)
	}
	return nil
}

func (p *RabbitMQPublisher) encode(msg BatchMessage) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid batch message: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal batch message: %w", err)
	}

	headers := amqp.Table{}
	if msg.ClientID != "" {
		headers[clientIDHeader] = msg.ClientID
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     p.now().UTC(),
		AppId:         publisherAppID,
		Type:          batchMessageType,
		MessageId:     msg.BatchID,
		CorrelationId: msg.CorrelationID,
		Headers:       headers,
		Body:          body,
	}, nil
}

// Close is a no-op; the shared connection is closed by its owner.
func (p *RabbitMQPublisher) Close() error { return nil }

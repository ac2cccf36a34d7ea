package queue

import (
	"context"
	"fmt"
)

// Publisher publishes batch messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg BatchMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg BatchMessage) error

// Consumer consumes batch messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// BatchQueue carries one message per asynchronously queued batch.
	BatchQueue = "email.batch"

	batchRoutingKey = "email.batch"
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.email.batch.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns all work queues.
func WorkQueueNames() []string {
	return []string{BatchQueue}
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	queues := make([]string, 0, len(WorkQueueNames()))
	for _, name := range WorkQueueNames() {
		queues = append(queues, DLQName(name))
	}
	return queues
}

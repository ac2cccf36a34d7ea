package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	deadLetterExchange = "email.dlx"
	connectTimeout     = 15 * time.Second
	minRedialInterval  = time.Second
	maxRedialInterval  = 30 * time.Second
)

// queueSpec describes one durable work queue and its dead-letter twin.
type queueSpec struct {
	name       string
	routingKey string
}

var batchTopology = []queueSpec{
	{name: BatchQueue, routingKey: batchRoutingKey},
}

// RabbitMQ owns the single broker connection shared by publishers and
// consumers. Channels are opened per operation and redeclare the topology.
type RabbitMQ struct {
	url  string
	dial func(url string) (*amqp.Connection, error)

	mu     sync.RWMutex
	dialMu sync.Mutex
	conn   *amqp.Connection
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url, dial: amqp.Dial}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Ping reports whether the broker connection is open, redialing if needed.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	if conn := r.current(); conn != nil {
		return nil
	}
	return r.redial(ctx)
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// current returns the open connection or nil.
func (r *RabbitMQ) current() *amqp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn
}

func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	var ch *amqp.Channel
	open := func() error {
		conn := r.current()
		if conn == nil {
			if err := r.redial(ctx); err != nil {
				return backoff.Permanent(err)
			}
			conn = r.current()
		}
		if conn == nil {
			return fmt.Errorf("rabbitmq connection unavailable")
		}

		var err error
		ch, err = conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open rabbitmq channel: %w", err)
		}
		return nil
	}

	// One retry covers a connection that dropped between the check and Channel().
	if err := backoff.Retry(open, backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), ctx)); err != nil {
		return nil, err
	}

	if err := declareTopology(ch, batchTopology); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// redial dials until it succeeds or ctx ends, with capped exponential delays.
func (r *RabbitMQ) redial(ctx context.Context) error {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	if r.current() != nil {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = minRedialInterval
	policy.MaxInterval = maxRedialInterval
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		conn, err := r.dial(r.url)
		if err != nil {
			return err
		}

		r.mu.Lock()
		stale := r.conn
		r.conn = conn
		r.mu.Unlock()

		if stale != nil && !stale.IsClosed() {
			_ = stale.Close()
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("rabbitmq dial canceled: %w", ctxErr)
		}
		return fmt.Errorf("rabbitmq dial failed: %w", err)
	}
	return nil
}

// declareTopology declares the dead-letter exchange and, per work queue, a
// DLQ bound to it plus the work queue dead-lettering into it.
func declareTopology(ch *amqp.Channel, queues []queueSpec) error {
	if err := ch.ExchangeDeclare(deadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	for _, q := range queues {
		dlq := DLQName(q.name)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, q.routingKey, deadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", dlq, err)
		}
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, workQueueArgs(q)); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", q.name, err)
		}
	}
	return nil
}

func workQueueArgs(q queueSpec) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": q.routingKey,
	}
}

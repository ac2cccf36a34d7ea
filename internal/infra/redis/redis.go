package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const (
	clientName   = "email-dispatch"
	pingTimeout  = 5 * time.Second
	pingAttempts = 3
	ioTimeout    = 3 * time.Second
)

// NewRedis connects to the store shared by the rate limiter, suppression
// cache, batch state and webhook dedup keys. Settings in url win over the
// defaults applied here.
func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.ClientName == "" {
		opts.ClientName = clientName
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = ioTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = ioTimeout
	}

	client := redis.NewClient(opts)

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), pingAttempts-1)
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis after %d attempts: %w", pingAttempts, err)
	}
	return client, nil
}

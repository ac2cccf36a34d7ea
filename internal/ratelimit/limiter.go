package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a rate limit check for one client.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter enforces a sliding window of N sends per client.
type RateLimiter interface {
	// Allow consumes one slot when the window has room.
	Allow(ctx context.Context, clientID string) (Decision, error)
	// Status reports the window without consuming a slot.
	Status(ctx context.Context, clientID string) (Decision, error)
}

package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a key-value store with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// GetMany returns values aligned with keys; missing keys yield ok=false.
	GetMany(ctx context.Context, keys []string) ([]Value, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only while it still equals old and
	// reports whether it did. A missing key never matches.
	CompareAndSwap(ctx context.Context, key string, old string, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Value is one slot of a GetMany answer.
type Value struct {
	Data string
	OK   bool
}

// Package kv is the keyed ephemeral store that job tracking is built on.
//
// Every operation touches exactly one key and is atomic on that key. Nothing
// here offers multi-key transactions; callers order their writes so that a
// crash between two of them leaves only data that ages out through its TTL.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTTL is returned when a write is attempted without a positive TTL.
var ErrInvalidTTL = errors.New("kv: ttl must be positive")

// Store is the minimal contract the tracker needs.
type Store interface {
	// Get returns the value and true, or "" and false when the key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SetIfAbsent writes value only when key does not exist. It reports whether the write happened.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DeleteIfEquals removes key only while it still holds expected.
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)
}

// Scanner lists keys by prefix. Only background maintenance uses it.
type Scanner interface {
	ScanPrefix(ctx context.Context, prefix string, fn func(key string) error) error
}

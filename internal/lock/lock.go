// Package lock provides short-lived, token-guarded mutual exclusion keyed
// by string. Acquisition never waits: callers decide what to do on failure.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store hands out exclusive tokens per key. Release succeeds only for the
// token that currently holds the key, so an expired holder can never free
// a lock that has since been taken by someone else.
type Store interface {
	// Acquire returns ok=false without error when the key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) (bool, error)
}

func newToken() string {
	return uuid.NewString()
}

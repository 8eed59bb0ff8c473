package abstractions

import (
	"context"
	"time"
)

type ReleaseFunc func() error

// Locker grants exclusive, TTL bound, locks by key.
type Locker interface {
	// Acquire waits up to timeout for the lock and returns the function that releases it.
	Acquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (ReleaseFunc, error)
}

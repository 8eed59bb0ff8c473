// Package lock provides the experiment lock that serialises iteration starts.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/serviceerrors"
)

const pollInterval = 50 * time.Millisecond

// ErrLockTimeout is matched by the error returned when a lock could not be acquired in time.
var ErrLockTimeout = errors.New("lock timeout")

func lockTimeout(key string, timeout time.Duration) error {
	return serviceerrors.NewServiceError(messages.LockTimeout, "Key", key, "Timeout", timeout.String()).WithCause(ErrLockTimeout)
}

// acquire polls try until it succeeds, the timeout expires or ctx is done.
func acquire(ctx context.Context, key string, timeout time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return lockTimeout(key, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// MemoryLocker is a process local Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[string]memoryLease{}, now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (abstractions.ReleaseFunc, error) {
	owner := uuid.NewString()
	err := acquire(ctx, key, timeout, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		now := l.now()
		if lease, ok := l.leases[key]; ok && lease.expiresAt.After(now) {
			return false, nil
		}
		l.leases[key] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.leases[key]; ok && lease.owner == owner {
			delete(l.leases, key)
		}
		return nil
	}, nil
}

// StorageLocker keeps the leases in the database so that several service
// replicas sharing the database exclude each other.
type StorageLocker struct {
	storage abstractions.Storage
}

func NewStorageLocker(storage abstractions.Storage) *StorageLocker {
	return &StorageLocker{storage: storage}
}

func (l *StorageLocker) Acquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (abstractions.ReleaseFunc, error) {
	owner := uuid.NewString()
	storage := l.storage.WithContext(ctx)
	err := acquire(ctx, key, timeout, func() (bool, error) {
		return storage.AcquireLease(key, owner, ttl)
	})
	if err != nil {
		return nil, err
	}
	return func() error {
		// the request context may already be cancelled when the lock is released
		return l.storage.ReleaseLease(key, owner)
	}, nil
}

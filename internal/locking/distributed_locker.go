// distributed_locker.go
package locking

import (
	"context"
	"errors"
)

// ErrLockHeld is returned by AcquireLock when another holder owns a live lease.
var ErrLockHeld = errors.New("lock is held by another owner")

// DistributedLocker defines an interface for a distributed locking mechanism.
// A shard's change stream may only be served by one session at a time; the
// session acquires the shard's lock before connecting upstream.
type DistributedLocker interface {
	// AcquireLock tries to acquire a lock for the given lockName and returns a lease ID if successful.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID for the given lockName.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the current lease.
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal starts a background process to renew the lock periodically.
	StartLockRenewal(ctx context.Context, lockName string)

	// GetLockedShards checks which of the given lock names are currently held.
	GetLockedShards(ctx context.Context, lockNames []string) ([]string, error)
}

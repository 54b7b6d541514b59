package locking

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryRegistry holds leases for every MemoryLocker created from it.
// It is the single-process stand-in for blob leases.
type MemoryRegistry struct {
	mu     sync.Mutex
	leases map[string]string
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{leases: make(map[string]string)}
}

// MemoryLocker is a DistributedLocker scoped to one process.
type MemoryLocker struct {
	registry *MemoryRegistry
	lockName string
}

// NewMemoryLocker returns a locker for lockName backed by registry.
func NewMemoryLocker(registry *MemoryRegistry, lockName string) *MemoryLocker {
	return &MemoryLocker{registry: registry, lockName: lockName}
}

func (m *MemoryLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.leases[lockName]; held {
		return "", fmt.Errorf("acquire %s: %w", lockName, ErrLockHeld)
	}
	leaseID := uuid.NewString()
	r.leases[lockName] = leaseID
	return leaseID, nil
}

func (m *MemoryLocker) ReleaseLock(_ context.Context, lockName string, leaseID string) error {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	current, held := r.leases[lockName]
	if !held {
		return nil
	}
	if current != leaseID {
		return fmt.Errorf("release %s: lease %s is not the current lease", lockName, leaseID)
	}
	delete(r.leases, lockName)
	return nil
}

// RenewLock is a no-op: in-process leases never expire.
func (m *MemoryLocker) RenewLock(_ context.Context, lockName string) error {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.leases[lockName]; !held {
		return fmt.Errorf("renew %s: no lease held", lockName)
	}
	return nil
}

func (m *MemoryLocker) StartLockRenewal(context.Context, string) {}

func (m *MemoryLocker) GetLockedShards(_ context.Context, lockNames []string) ([]string, error) {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	locked := []string{}
	for _, name := range lockNames {
		if _, held := r.leases[name]; held {
			locked = append(locked, name)
		}
	}
	return locked, nil
}

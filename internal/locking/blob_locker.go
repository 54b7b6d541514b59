package locking

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-materialize/internal/logging"
)

const (
	// DefaultLeaseTTL is the blob lease duration. Azure accepts 15-60 seconds or infinite.
	DefaultLeaseTTL = 60 * time.Second
	// staleAfter is how long an unrenewed lease survives before it is broken.
	staleAfter = 2 * DefaultLeaseTTL
)

// BlobLocker holds a shard lease on an Azure blob so that only one bridge
// instance serves a shard across a fleet.
type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	lockName      string

	azblobClient    *azblob.Client
	blobLeaseClient *lease.BlobClient
	log             hclog.Logger

	mu      sync.Mutex
	leaseID string
}

// NewBlobLocker ensures the container and lock blob exist and returns a locker for lockName.
func NewBlobLocker(ctx context.Context, connectionString, containerName, lockName string) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !strings.Contains(err.Error(), "ContainerAlreadyExists") {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, nil)
	if err != nil && !strings.Contains(err.Error(), "BlobAlreadyExists") && !strings.Contains(err.Error(), "There is currently a lease") {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName:   containerName,
		lockTTL:         DefaultLeaseTTL,
		lockName:        lockName,
		azblobClient:    azblobClient,
		blobLeaseClient: blobLeaseClient,
		log:             logging.Named("locking").With("blob", lockName),
	}, nil
}

// AcquireLock tries to acquire a lease on the blob and stores the lease ID.
// A lease that has not been renewed for staleAfter is broken and re-acquired.
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	bl.log.Debug("Attempting to acquire lock")

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		if !strings.Contains(err.Error(), "There is already a lease present") {
			return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
		}

		blobClient := bl.azblobClient.ServiceClient().NewContainerClient(bl.containerName).NewBlobClient(bl.lockName)
		props, err := blobClient.GetProperties(ctx, nil)
		if err != nil {
			return "", fmt.Errorf("failed to get blob properties for %s: %w", bl.lockName, err)
		}

		lockAge := time.Since(*props.LastModified)
		if lockAge <= staleAfter {
			bl.log.Info("Shard is already locked", "age", lockAge.Round(time.Second))
			return "", fmt.Errorf("acquire %s: %w", lockName, ErrLockHeld)
		}

		bl.log.Warn("Breaking stale lease", "age", lockAge.Round(time.Second))
		if _, err = bl.blobLeaseClient.BreakLease(ctx, nil); err != nil {
			return "", fmt.Errorf("failed to break lease for %s: %w", bl.lockName, err)
		}

		resp, err = bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
		if err != nil {
			return "", fmt.Errorf("failed to acquire lease after breaking for %s: %w", bl.lockName, err)
		}
	}

	bl.mu.Lock()
	bl.leaseID = *resp.LeaseID
	bl.mu.Unlock()

	bl.log.Info("Lock acquired", "leaseID", *resp.LeaseID)
	return *resp.LeaseID, nil
}

func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, err)
	}
	bl.log.Trace("Lock renewed")
	return nil
}

// ReleaseLock releases the lease. Releasing a lease this locker no longer holds is a no-op.
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	bl.mu.Lock()
	current := bl.leaseID
	bl.mu.Unlock()
	if current == "" || current != leaseID {
		return nil
	}

	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, &lease.BlobReleaseOptions{}); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}

	bl.mu.Lock()
	bl.leaseID = ""
	bl.mu.Unlock()
	bl.log.Info("Lock released")
	return nil
}

// StartLockRenewal renews the lease every half TTL until ctx is done.
func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string) {
	go func() {
		ticker := time.NewTicker(bl.lockTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx, lockName); err != nil {
					bl.log.Error("Failed to renew lock", "error", err)
				}
			case <-ctx.Done():
				bl.log.Debug("Stopping lock renewal")
				return
			}
		}
	}()
}

// GetLockedShards checks which of the given lock blobs carry a live lease.
func (bl *BlobLocker) GetLockedShards(ctx context.Context, lockNames []string) ([]string, error) {
	locked := []string{}
	containerClient := bl.azblobClient.ServiceClient().NewContainerClient(bl.containerName)

	for _, name := range lockNames {
		resp, err := containerClient.NewBlobClient(name).GetProperties(ctx, nil)
		if err != nil {
			if strings.Contains(err.Error(), "BlobNotFound") {
				continue
			}
			bl.log.Warn("Failed to get blob properties", "lock", name, "error", err)
			continue
		}

		if resp.LeaseStatus == nil || resp.LeaseState == nil || resp.LastModified == nil {
			continue
		}
		if *resp.LeaseStatus == "locked" && *resp.LeaseState == "leased" &&
			time.Since(*resp.LastModified) <= staleAfter {
			locked = append(locked, name)
		}
	}
	return locked, nil
}

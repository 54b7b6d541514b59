package locking

import (
	"context"
	"fmt"
	"strings"

	"github.com/katasec/dstream-ingester-materialize/internal/utils"
)

const (
	// TypeMemory keeps shard leases inside this process.
	TypeMemory = "memory"
	// TypeAzureBlob keeps shard leases on Azure blobs, shared across instances.
	TypeAzureBlob = "azure_blob"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	configType       string
	connectionString string
	containerName    string
	upstreamAddress  string // used to namespace lock names per upstream server

	memory *MemoryRegistry
}

// NewLockerFactory initializes a new LockerFactory
func NewLockerFactory(configType, connectionString, containerName, upstreamAddress string) *LockerFactory {
	if configType == "" {
		configType = TypeMemory
	}
	return &LockerFactory{
		configType:       configType,
		connectionString: connectionString,
		containerName:    containerName,
		upstreamAddress:  upstreamAddress,
		memory:           NewMemoryRegistry(),
	}
}

// CreateLocker creates a DistributedLocker for the specified lock name
func (f *LockerFactory) CreateLocker(ctx context.Context, lockName string) (DistributedLocker, error) {
	switch f.configType {
	case TypeMemory:
		return NewMemoryLocker(f.memory, lockName), nil
	case TypeAzureBlob:
		return NewBlobLocker(ctx, f.connectionString, f.containerName, lockName)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.configType)
	}
}

// GetLockName returns the lock name for a shard. Blob locks live in a
// per-upstream-server folder so several deployments can share a container.
func (f *LockerFactory) GetLockName(shardID string) string {
	name := GetShardLockName(shardID)
	if f.configType != TypeAzureBlob || f.upstreamAddress == "" {
		return name
	}
	serverName, err := utils.ExtractServerName(f.upstreamAddress)
	if err != nil || serverName == "" {
		return name
	}
	return strings.ToLower(serverName) + "/" + name
}

// GetShardLockName returns the base lock name for a shard.
func GetShardLockName(shardID string) string {
	return "shard-" + shardID + ".lock"
}

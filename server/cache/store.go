package cache

import (
	"context"

	"github.com/planware/syncd/server/model"
)

// Store is the hot KV cache fronting the upstream. Implementations: Redis
// for deployments, the in-process memory store for tests and single-node
// development.
type Store interface {
	// Get returns the raw JSON value, or ok=false on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set marshals value and stores it under key with the kind's TTL.
	// Setting an existing key resets its TTL.
	Set(ctx context.Context, key string, value any, kind model.EntityKind) error
	// Del removes key. Idempotent.
	Del(ctx context.Context, key string) error
	// InvalidatePattern removes every key matching the glob pattern and
	// returns how many were deleted. The scan is incremental.
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
	// Stats reports keyspace and memory numbers for the admin endpoint.
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats is a best-effort view of the cache keyspace. The memory store
// estimates sizes from serialized values; Redis reports INFO numbers.
type Stats struct {
	TotalKeys    int            `json:"totalKeys"`
	KeysByPrefix map[string]int `json:"keysByPrefix"`
	MemoryUsed   int64          `json:"memoryUsed"`
	MemoryPeak   int64          `json:"memoryPeak"`
	MaxMemory    int64          `json:"maxMemory"`
	ExpiredCount int64          `json:"expiredCount"`
}

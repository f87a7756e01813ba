package cache

import (
	"context"

	"github.com/mwantia/chunkfs/data"
)

// DistributedTier is the optional third cache level, shared between
// nodes. Failures of this tier always degrade to a local cache miss;
// they are never surfaced to the caller.
type DistributedTier interface {
	// Returns the identifier name defined for this tier
	Name() string

	// Get returns the cached value or (nil, false, nil) on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores a value in the distributed tier.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes a value from the distributed tier.
	Delete(ctx context.Context, key string) error
}

// Stats merges the per-tier hit/miss/dirty/write-back counters.
type Stats struct {
	MemoryHits   int64 `json:"memory_hits"`
	MemoryMisses int64 `json:"memory_misses"`
	DiskHits     int64 `json:"disk_hits"`
	DiskMisses   int64 `json:"disk_misses"`
	RemoteHits   int64 `json:"remote_hits"`
	RemoteMisses int64 `json:"remote_misses"`

	MemoryEntries int   `json:"memory_entries"`
	MemorySize    int64 `json:"memory_size"`
	DiskEntries   int   `json:"disk_entries"`
	DiskSize      int64 `json:"disk_size"`

	DirtyEntries    int   `json:"dirty_entries"`
	Writebacks      int64 `json:"writebacks"`
	WritebackErrors int64 `json:"writeback_errors"`
	Evictions       int64 `json:"evictions"`
}

// HitRate returns the overall cache hit rate across all tiers.
func (s *Stats) HitRate() float64 {
	hits := s.MemoryHits + s.DiskHits + s.RemoteHits
	total := hits + s.RemoteMisses

	// A remote miss is the terminal miss of a full lookup chain; when
	// no distributed tier is configured the disk miss is terminal.
	if s.RemoteHits == 0 && s.RemoteMisses == 0 {
		total = hits + s.DiskMisses
	}

	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Health is the report produced by a cache health check.
type Health struct {
	MemoryUsageRatio float64 `json:"memory_usage_ratio"`
	DiskUsageRatio   float64 `json:"disk_usage_ratio"`
	HitRate          float64 `json:"hit_rate"`
	DirtyRatio       float64 `json:"dirty_ratio"`
	Healthy          bool    `json:"healthy"`
}

// entryKey resolves the canonical tier-level key for a cache key.
func entryKey(key data.CacheKey) string {
	return key.String()
}

package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mwantia/chunkfs/data"
	"github.com/mwantia/chunkfs/log"
)

// Manager composes the cache tiers and owns the write-back loop.
//
// Lookup order is memory, then disk, then the distributed tier.
// Small or frequently read disk entries are promoted to memory;
// distributed hits are back-filled into the local tiers. A failing
// distributed tier degrades to a miss and never fails a lookup.
//
// Memory writes are dirty until the write-back loop has copied them
// to the disk tier; the two local tiers are eventually consistent
// with each other.
type Manager struct {
	memory *MemoryTier
	disk   *DiskTier
	remote DistributedTier

	logger *log.Logger

	promoteMaxSize int64
	promoteAccess  int64

	interval   time.Duration
	batchSize  int
	batchPause time.Duration

	memoryHits   atomic.Int64
	memoryMisses atomic.Int64
	diskHits     atomic.Int64
	diskMisses   atomic.Int64
	remoteHits   atomic.Int64
	remoteMisses atomic.Int64

	writebacks      atomic.Int64
	writebackErrors atomic.Int64

	flushMu sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
}

// ManagerConfig contains configuration options for the cache manager.
type ManagerConfig struct {
	// Byte capacity of the memory tier (default: 64MB)
	MemoryCapacity int64

	// Path of the disk tier database; empty disables the disk tier
	DiskPath string

	// Disk tier options (optional)
	Disk *DiskTierConfig

	// Distributed tier (optional)
	Remote DistributedTier

	// Size threshold steering placement and promotion: values at or
	// below it prefer the memory tier (default: 1MB)
	PromoteMaxSize int64

	// Entries read at least this often are promoted regardless of
	// size (default: 3)
	PromoteAccessCount int64

	// Interval between write-back passes (default: 5s)
	WritebackInterval time.Duration

	// Maximum entries flushed per batch (default: 32)
	WritebackBatchSize int

	// Pause between batches within one pass (default: 50ms)
	WritebackPause time.Duration

	Logger *log.Logger
}

// NewManager creates the tiers from config and starts the write-back
// loop. Shutdown must be called to stop the loop and flush any
// remaining dirty entries.
func NewManager(config *ManagerConfig) (*Manager, error) {
	if config == nil {
		config = &ManagerConfig{}
	}
	if config.MemoryCapacity <= 0 {
		config.MemoryCapacity = 64 * 1024 * 1024
	}
	if config.PromoteMaxSize <= 0 {
		config.PromoteMaxSize = 1024 * 1024
	}
	if config.PromoteAccessCount <= 0 {
		config.PromoteAccessCount = 3
	}
	if config.WritebackInterval <= 0 {
		config.WritebackInterval = 5 * time.Second
	}
	if config.WritebackBatchSize <= 0 {
		config.WritebackBatchSize = 32
	}
	if config.WritebackPause <= 0 {
		config.WritebackPause = 50 * time.Millisecond
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("cache", log.Info, "", false)
	}

	m := &Manager{
		memory:         NewMemoryTier(config.MemoryCapacity),
		remote:         config.Remote,
		logger:         logger,
		promoteMaxSize: config.PromoteMaxSize,
		promoteAccess:  config.PromoteAccessCount,
		interval:       config.WritebackInterval,
		batchSize:      config.WritebackBatchSize,
		batchPause:     config.WritebackPause,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	if config.DiskPath != "" {
		disk, err := NewDiskTier(config.DiskPath, config.Disk)
		if err != nil {
			return nil, err
		}
		m.disk = disk
	}

	go m.writebackLoop()

	return m, nil
}

// Get looks a value up through the tiers. A full miss returns
// (nil, false, nil); the value being absent is not an error.
func (m *Manager) Get(ctx context.Context, key data.CacheKey) ([]byte, bool, error) {
	k := entryKey(key)

	if entry, ok := m.memory.Get(k); ok {
		m.memoryHits.Add(1)
		return entry.Value, true, nil
	}
	m.memoryMisses.Add(1)

	if m.disk != nil {
		entry, ok, err := m.disk.Get(k)
		if err != nil {
			return nil, false, err
		}
		if ok {
			m.diskHits.Add(1)
			if m.shouldPromote(entry) {
				promoted := *entry
				m.memory.Put(k, &promoted)
			}
			return entry.Value, true, nil
		}
		m.diskMisses.Add(1)
	}

	if m.remote != nil {
		value, ok, err := m.remote.Get(ctx, k)
		if err != nil {
			// Distributed failures degrade to a miss
			m.logger.Warn("Distributed tier '%s' lookup failed: %v", m.remote.Name(), err)
			m.remoteMisses.Add(1)
			return nil, false, nil
		}
		if ok {
			m.remoteHits.Add(1)
			m.backfill(k, value)
			return value, true, nil
		}
		m.remoteMisses.Add(1)
	}

	return nil, false, nil
}

// Put stores a value with normal write-back priority.
func (m *Manager) Put(ctx context.Context, key data.CacheKey, value []byte) error {
	return m.PutWithPriority(ctx, key, value, data.PriorityNormal)
}

// PutWithPriority stores a value. Small values with at least normal
// priority land in the memory tier flagged dirty, to be copied to
// disk by the write-back loop; low priority or large values go
// straight to the disk tier. The value is also propagated to the
// distributed tier when one is configured.
func (m *Manager) PutWithPriority(ctx context.Context, key data.CacheKey, value []byte, priority data.WritebackPriority) error {
	k := entryKey(key)

	entry := data.NewCacheEntry(value)
	entry.Priority = priority

	if err := m.placeLocal(k, entry); err != nil {
		return err
	}

	if m.remote != nil {
		if err := m.remote.Put(ctx, k, value); err != nil {
			m.logger.Debug("Distributed tier '%s' put failed: %v", m.remote.Name(), err)
		}
	}

	return nil
}

// Invalidate removes a key from every tier.
func (m *Manager) Invalidate(ctx context.Context, key data.CacheKey) error {
	k := entryKey(key)
	errs := &data.Errors{}

	m.memory.Delete(k)

	if m.disk != nil {
		errs.Add(m.disk.Delete(k))
	}
	if m.remote != nil {
		if err := m.remote.Delete(ctx, k); err != nil {
			m.logger.Debug("Distributed tier '%s' delete failed: %v", m.remote.Name(), err)
		}
	}

	return errs.Errors()
}

// Flush synchronously writes back every dirty entry.
func (m *Manager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	return m.flushDirty(ctx, 0)
}

// Stats returns a snapshot of the per-tier counters.
func (m *Manager) Stats() Stats {
	stats := Stats{
		MemoryHits:   m.memoryHits.Load(),
		MemoryMisses: m.memoryMisses.Load(),
		DiskHits:     m.diskHits.Load(),
		DiskMisses:   m.diskMisses.Load(),
		RemoteHits:   m.remoteHits.Load(),
		RemoteMisses: m.remoteMisses.Load(),

		MemoryEntries: m.memory.Len(),
		MemorySize:    m.memory.Size(),

		DirtyEntries:    m.memory.DirtyCount(),
		Writebacks:      m.writebacks.Load(),
		WritebackErrors: m.writebackErrors.Load(),
		Evictions:       m.memory.Evictions(),
	}

	if m.disk != nil {
		if count, err := m.disk.Len(); err == nil {
			stats.DiskEntries = count
		}
		stats.DiskSize = m.disk.Size()
		stats.Evictions += m.disk.Evictions()

		if dirty, err := m.disk.DirtyCount(); err == nil {
			stats.DirtyEntries += dirty
		}
	}

	return stats
}

// HealthCheck reports usage ratios and whether the cache is
// operating normally. A fresh cache with no traffic is healthy; an
// active one needs a minimum hit rate and a bounded write-back error
// rate.
func (m *Manager) HealthCheck() Health {
	stats := m.Stats()

	health := Health{
		HitRate: stats.HitRate(),
	}

	if capacity := m.memory.Capacity(); capacity > 0 {
		health.MemoryUsageRatio = float64(stats.MemorySize) / float64(capacity)
	}
	if m.disk != nil && m.disk.MaxSize() > 0 {
		health.DiskUsageRatio = float64(stats.DiskSize) / float64(m.disk.MaxSize())
	}

	entries := stats.MemoryEntries + stats.DiskEntries
	if entries > 0 {
		health.DirtyRatio = float64(stats.DirtyEntries) / float64(entries)
	}

	lookups := stats.MemoryHits + stats.MemoryMisses
	hitRateOK := lookups == 0 || health.HitRate > 0.1

	attempts := stats.Writebacks + stats.WritebackErrors
	writebackOK := attempts == 0 ||
		float64(stats.WritebackErrors)/float64(attempts) < 0.1

	health.Healthy = hitRateOK && writebackOK
	return health
}

// Shutdown stops the write-back loop, flushes remaining dirty
// entries and closes the disk tier.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(m.stop)
	<-m.done

	errs := &data.Errors{}
	errs.Add(m.Flush(ctx))

	if m.disk != nil {
		errs.Add(m.disk.Close())
	}

	return errs.Errors()
}

// shouldPromote decides whether a disk hit is copied up to memory.
func (m *Manager) shouldPromote(entry *data.CacheEntry) bool {
	return entry.Size <= m.promoteMaxSize || entry.AccessCount >= m.promoteAccess
}

// placeLocal stores an entry in memory or on disk depending on size
// and priority.
func (m *Manager) placeLocal(key string, entry *data.CacheEntry) error {
	if m.disk == nil {
		if !m.memory.Put(key, entry) {
			return fmt.Errorf("%w: memory tier full of unflushed entries", data.ErrStorage)
		}
		return nil
	}

	preferMemory := entry.Size <= m.promoteMaxSize && entry.Priority > data.PriorityLow
	if preferMemory {
		// Memory copies are dirty until the write-back loop has
		// persisted them to the disk tier
		entry.Dirty = true
		if m.memory.Put(key, entry) {
			return nil
		}
		entry.Dirty = false
	}

	return m.disk.Put(key, entry)
}

// backfill copies a distributed hit into the local tiers. The value
// is already durable remotely, so the copies are clean.
func (m *Manager) backfill(key string, value []byte) {
	entry := data.NewCacheEntry(value)

	if m.disk != nil {
		if err := m.disk.Put(key, entry); err != nil {
			m.logger.Debug("Back-fill of '%s' to disk failed: %v", key, err)
		}
	}
	if entry.Size > m.promoteMaxSize {
		return
	}

	// With a disk tier present a back-fill never evicts memory
	// entries; the disk copy serves reads until promotion
	memoryCopy := *entry
	if m.disk == nil || m.memory.HasCapacity(memoryCopy.Size) {
		m.memory.Put(key, &memoryCopy)
	}
}

// writebackLoop periodically flushes dirty entries in bounded
// batches until the manager is shut down.
func (m *Manager) writebackLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return

		case <-ticker.C:
			m.flushMu.Lock()
			if err := m.flushDirty(context.Background(), m.batchSize); err != nil {
				m.logger.Warn("Write-back pass finished with errors: %v", err)
			}
			m.flushMu.Unlock()
		}
	}
}

// flushDirty copies all currently dirty memory entries to the disk
// tier, most urgent first. With a positive batchSize the pass pauses
// between batches so foreground traffic is not starved. Failed
// entries stay dirty and are retried on the next pass.
func (m *Manager) flushDirty(ctx context.Context, batchSize int) error {
	dirty := m.memory.DirtyEntries()
	errs := &data.Errors{}

	for index, de := range dirty {
		if batchSize > 0 && index > 0 && index%batchSize == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.batchPause):
			}
		}

		if m.disk != nil {
			persisted := *de.Entry
			persisted.Dirty = false
			persisted.LastWrite = time.Now()

			if err := m.disk.Put(de.Key, &persisted); err != nil {
				m.writebackErrors.Add(1)
				m.logger.Warn("Write-back of '%s' failed: %v", de.Key, err)
				errs.Add(err)
				continue
			}
		}

		m.writebacks.Add(1)
		m.memory.MarkClean(de)
	}

	return errs.Errors()
}

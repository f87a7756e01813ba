package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/mwantia/chunkfs/data"
)

// MemoryTier is the first cache level: a bounded in-process table.
// Entries written here may be dirty; dirty entries are never evicted
// until the write-back loop has persisted them to the disk tier.
type MemoryTier struct {
	mu sync.RWMutex

	entries   map[string]*data.CacheEntry
	size      int64
	capacity  int64
	evictions int64
}

// NewMemoryTier creates a memory tier bounded to capacity bytes.
func NewMemoryTier(capacity int64) *MemoryTier {
	return &MemoryTier{
		entries:  make(map[string]*data.CacheEntry),
		capacity: capacity,
	}
}

// Get returns the entry and records an access.
func (mt *MemoryTier) Get(key string) (*data.CacheEntry, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	entry, exists := mt.entries[key]
	if !exists {
		return nil, false
	}

	entry.Touch()
	return entry, true
}

// Put stores an entry, evicting clean entries if needed to stay
// within capacity. It reports false when the entry cannot fit because
// the tier is filled with dirty data.
func (mt *MemoryTier) Put(key string, entry *data.CacheEntry) bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if old, exists := mt.entries[key]; exists {
		mt.size -= old.Size
		delete(mt.entries, key)
	}

	if mt.size+entry.Size > mt.capacity {
		mt.evictCleanLocked(mt.size + entry.Size - mt.capacity)
	}

	if mt.size+entry.Size > mt.capacity {
		// Only dirty entries remain; refuse rather than exceed capacity
		return false
	}

	mt.entries[key] = entry
	mt.size += entry.Size
	return true
}

// Delete removes an entry regardless of its dirty state.
func (mt *MemoryTier) Delete(key string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if entry, exists := mt.entries[key]; exists {
		mt.size -= entry.Size
		delete(mt.entries, key)
	}
}

// HasCapacity reports whether size more bytes would fit without
// evicting anything.
func (mt *MemoryTier) HasCapacity(size int64) bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	return mt.size+size <= mt.capacity
}

// MarkDirty flags an entry for write-back with the given priority.
func (mt *MemoryTier) MarkDirty(key string, priority data.WritebackPriority) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if entry, exists := mt.entries[key]; exists {
		entry.Dirty = true
		entry.Priority = priority
	}
}

// MarkClean clears the dirty flag after a successful write-back of
// the given snapshot. An entry replaced since the snapshot was taken
// stays dirty, so the newer value is picked up by the next pass.
// The write-back loop is the sole caller; foreground writes never
// transition dirty to clean.
func (mt *MemoryTier) MarkClean(de DirtyEntry) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if entry, exists := mt.entries[de.Key]; exists && entry == de.live {
		entry.Dirty = false
		entry.LastWrite = time.Now()
	}
}

// DirtyEntry pairs a key with a snapshot of its dirty entry.
type DirtyEntry struct {
	Key   string
	Entry *data.CacheEntry

	// Entry identity at snapshot time, used by MarkClean to detect
	// replacement
	live *data.CacheEntry
}

// DirtyEntries returns snapshots of all dirty entries ordered by
// urgency: older unflushed data with higher priority flushes first.
func (mt *MemoryTier) DirtyEntries() []DirtyEntry {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	now := time.Now()
	dirty := make([]DirtyEntry, 0)

	for key, entry := range mt.entries {
		if !entry.Dirty {
			continue
		}

		snapshot := *entry
		snapshot.Value = entry.Value
		dirty = append(dirty, DirtyEntry{Key: key, Entry: &snapshot, live: entry})
	}

	sort.Slice(dirty, func(i, j int) bool {
		return urgency(dirty[i].Entry, now) > urgency(dirty[j].Entry, now)
	})

	return dirty
}

// urgency scores a dirty entry: seconds since it was last flushed
// (or created), scaled by its write-back priority.
func urgency(entry *data.CacheEntry, now time.Time) float64 {
	since := entry.LastWrite
	if since.IsZero() {
		since = entry.CreateTime
	}

	age := now.Sub(since).Seconds()
	return age * float64(entry.Priority+1)
}

// Len returns the number of entries.
func (mt *MemoryTier) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	return len(mt.entries)
}

// Size returns the tracked byte size.
func (mt *MemoryTier) Size() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	return mt.size
}

// Capacity returns the configured byte capacity.
func (mt *MemoryTier) Capacity() int64 {
	return mt.capacity
}

// DirtyCount returns the number of dirty entries.
func (mt *MemoryTier) DirtyCount() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	count := 0
	for _, entry := range mt.entries {
		if entry.Dirty {
			count++
		}
	}

	return count
}

// evictCleanLocked removes least-recently-used clean entries until at
// least need bytes have been freed. Dirty entries are skipped.
func (mt *MemoryTier) evictCleanLocked(need int64) {
	type candidate struct {
		key    string
		access time.Time
		size   int64
	}

	candidates := make([]candidate, 0)
	for key, entry := range mt.entries {
		if entry.Dirty {
			continue
		}
		candidates = append(candidates, candidate{key, entry.AccessTime, entry.Size})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].access.Before(candidates[j].access)
	})

	var freed int64
	for _, c := range candidates {
		if freed >= need {
			break
		}

		delete(mt.entries, c.key)
		mt.size -= c.size
		mt.evictions++
		freed += c.size
	}
}

// Evictions returns the number of entries evicted so far.
func (mt *MemoryTier) Evictions() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	return mt.evictions
}

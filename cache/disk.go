package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mwantia/chunkfs/data"
	bolt "go.etcd.io/bbolt"
)

var entriesBucket = []byte("entries")

// DiskTier is the second cache level: a single-file persistent cache
// backed by bbolt. Eviction combines a hard TTL with a weighted
// score of recency, access frequency and size; dirty entries are
// never evicted.
type DiskTier struct {
	mu sync.RWMutex
	db *bolt.DB

	// Tracked total size of all cached values
	size      int64
	evictions int64

	maxSize     int64
	evictTarget int64
	ttl         time.Duration
}

// DiskTierConfig contains configuration options for the disk tier.
type DiskTierConfig struct {
	// Maximum tracked size in bytes before eviction kicks in
	MaxSize int64

	// Size eviction shrinks down to (default: 80% of MaxSize)
	EvictTarget int64

	// Entries older than this are evicted unconditionally
	// (0 disables TTL eviction)
	TTL time.Duration
}

// NewDiskTier opens (or creates) a disk cache at the given path.
func NewDiskTier(path string, config *DiskTierConfig) (*DiskTier, error) {
	if config == nil {
		config = &DiskTierConfig{}
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 256 * 1024 * 1024
	}
	if config.EvictTarget <= 0 {
		config.EvictTarget = config.MaxSize * 8 / 10
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	dt := &DiskTier{
		db:          db,
		maxSize:     config.MaxSize,
		evictTarget: config.EvictTarget,
		ttl:         config.TTL,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}

		// Rebuild the tracked size from the persisted entries
		return bucket.ForEach(func(_, raw []byte) error {
			var entry data.CacheEntry
			if err := json.Unmarshal(raw, &entry); err == nil {
				dt.size += entry.Size
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return dt, nil
}

// Close closes the underlying database.
func (dt *DiskTier) Close() error {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	return dt.db.Close()
}

// Get returns the entry and persists the access bookkeeping.
func (dt *DiskTier) Get(key string) (*data.CacheEntry, bool, error) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	var entry *data.CacheEntry
	err := dt.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)

		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}

		var decoded data.CacheEntry
		if err := json.Unmarshal(raw, &decoded); err != nil {
			// Unreadable entry; drop it
			return bucket.Delete([]byte(key))
		}

		decoded.Touch()
		entry = &decoded

		updated, err := json.Marshal(&decoded)
		if err != nil {
			return nil
		}
		return bucket.Put([]byte(key), updated)
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return entry, entry != nil, nil
}

// Put stores an entry, running eviction first when the tier would
// overrun its configured maximum.
func (dt *DiskTier) Put(key string, entry *data.CacheEntry) error {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if dt.size+entry.Size > dt.maxSize {
		if _, err := dt.evictLocked(dt.evictTarget); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrSerialization, err)
	}

	err = dt.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)

		if old := bucket.Get([]byte(key)); old != nil {
			var previous data.CacheEntry
			if err := json.Unmarshal(old, &previous); err == nil {
				dt.size -= previous.Size
			}
		}

		return bucket.Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	dt.size += entry.Size
	return nil
}

// Delete removes an entry.
func (dt *DiskTier) Delete(key string) error {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	err := dt.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)

		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}

		var entry data.CacheEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			dt.size -= entry.Size
		}

		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return nil
}

// Evict runs one eviction pass down to the configured target and
// returns the number of evicted entries.
func (dt *DiskTier) Evict() (int, error) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	return dt.evictLocked(dt.evictTarget)
}

// Len returns the number of persisted entries.
func (dt *DiskTier) Len() (int, error) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	count := 0
	err := dt.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(entriesBucket).Stats().KeyN
		return nil
	})

	return count, err
}

// Size returns the tracked byte size.
func (dt *DiskTier) Size() int64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	return dt.size
}

// MaxSize returns the configured byte capacity.
func (dt *DiskTier) MaxSize() int64 {
	return dt.maxSize
}

// Evictions returns the number of entries evicted so far.
func (dt *DiskTier) Evictions() int64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	return dt.evictions
}

// MarkDirty flags an entry as pending write-back.
func (dt *DiskTier) MarkDirty(key string, priority data.WritebackPriority) error {
	return dt.updateDirty(key, func(entry *data.CacheEntry) {
		entry.Dirty = true
		entry.Priority = priority
	})
}

// MarkClean clears the dirty flag after a successful write-back.
func (dt *DiskTier) MarkClean(key string) error {
	return dt.updateDirty(key, func(entry *data.CacheEntry) {
		entry.Dirty = false
		entry.LastWrite = time.Now()
	})
}

func (dt *DiskTier) updateDirty(key string, apply func(*data.CacheEntry)) error {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	err := dt.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)

		raw := bucket.Get([]byte(key))
		if raw == nil {
			return data.ErrNotExist
		}

		var entry data.CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("%w: %v", data.ErrSerialization, err)
		}

		apply(&entry)

		updated, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("%w: %v", data.ErrSerialization, err)
		}
		return bucket.Put([]byte(key), updated)
	})
	if err != nil {
		if errors.Is(err, data.ErrNotExist) || errors.Is(err, data.ErrSerialization) {
			return err
		}
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return nil
}

// DirtyEntries returns all dirty entries sorted by write-back
// urgency, most urgent first.
func (dt *DiskTier) DirtyEntries() ([]DirtyEntry, error) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	now := time.Now()
	dirty := make([]DirtyEntry, 0)

	err := dt.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(key, raw []byte) error {
			var entry data.CacheEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return nil
			}
			if !entry.Dirty {
				return nil
			}

			decoded := entry
			dirty = append(dirty, DirtyEntry{
				Key:   string(key),
				Entry: &decoded,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	sort.Slice(dirty, func(i, j int) bool {
		return urgency(dirty[i].Entry, now) > urgency(dirty[j].Entry, now)
	})

	return dirty, nil
}

// DirtyCount returns the number of dirty entries.
func (dt *DiskTier) DirtyCount() (int, error) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	count := 0
	err := dt.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(_, raw []byte) error {
			var entry data.CacheEntry
			if err := json.Unmarshal(raw, &entry); err == nil && entry.Dirty {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return count, nil
}

// evictLocked removes entries until the tracked size is at or below
// target. Entries past the TTL go first, unconditionally; the
// remaining candidates are ranked by a weighted score of recency,
// inverse access frequency and normalized size, highest score first.
// Dirty entries are never candidates.
func (dt *DiskTier) evictLocked(target int64) (int, error) {
	type candidate struct {
		key     string
		entry   data.CacheEntry
		expired bool
	}

	now := time.Now()
	candidates := make([]candidate, 0)

	err := dt.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(key, raw []byte) error {
			var entry data.CacheEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				candidates = append(candidates, candidate{key: string(key), expired: true})
				return nil
			}

			if entry.Dirty {
				return nil
			}

			expired := dt.ttl > 0 && now.Sub(entry.CreateTime) > dt.ttl
			candidates = append(candidates, candidate{key: string(key), entry: entry, expired: expired})
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	if len(candidates) == 0 {
		return 0, nil
	}

	// Normalization bases for the score components
	var maxAge float64
	var maxSize int64
	for _, c := range candidates {
		if age := now.Sub(c.entry.AccessTime).Seconds(); age > maxAge {
			maxAge = age
		}
		if c.entry.Size > maxSize {
			maxSize = c.entry.Size
		}
	}
	if maxAge <= 0 {
		maxAge = 1
	}
	if maxSize <= 0 {
		maxSize = 1
	}

	score := func(c candidate) float64 {
		recency := now.Sub(c.entry.AccessTime).Seconds() / maxAge
		frequency := 1.0 / float64(c.entry.AccessCount+1)
		size := float64(c.entry.Size) / float64(maxSize)

		return 0.5*recency + 0.3*frequency + 0.2*size
	}

	// Expired entries go first, then highest score
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].expired != candidates[j].expired {
			return candidates[i].expired
		}
		return score(candidates[i]) > score(candidates[j])
	})

	evicted := 0
	err = dt.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)

		for _, c := range candidates {
			if !c.expired && dt.size <= target {
				break
			}

			if err := bucket.Delete([]byte(c.key)); err != nil {
				return err
			}

			dt.size -= c.entry.Size
			dt.evictions++
			evicted++
		}

		return nil
	})
	if err != nil {
		return evicted, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return evicted, nil
}

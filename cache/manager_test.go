package cache

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mwantia/chunkfs/data"
)

// fakeRemote is an in-process stand-in for a distributed tier.
type fakeRemote struct {
	mu     sync.Mutex
	values map[string][]byte
	fail   bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{values: make(map[string][]byte)}
}

func (*fakeRemote) Name() string {
	return "fake"
}

func (fr *fakeRemote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.fail {
		return nil, false, fmt.Errorf("%w: remote down", data.ErrBackendUnavailable)
	}

	value, ok := fr.values[key]
	return value, ok, nil
}

func (fr *fakeRemote) Put(ctx context.Context, key string, value []byte) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.fail {
		return fmt.Errorf("%w: remote down", data.ErrBackendUnavailable)
	}

	fr.values[key] = value
	return nil
}

func (fr *fakeRemote) Delete(ctx context.Context, key string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	delete(fr.values, key)
	return nil
}

func newTestManager(t *testing.T, config *ManagerConfig) *Manager {
	t.Helper()

	if config == nil {
		config = &ManagerConfig{}
	}
	if config.DiskPath == "" {
		config.DiskPath = filepath.Join(t.TempDir(), "cache.db")
	}
	// Keep the ticker out of the way; tests flush explicitly
	config.WritebackInterval = time.Hour

	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	return manager
}

func TestManager_PutGet(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)

	key := data.FileMetadataKey("/docs/readme.md")
	payload := []byte("cached metadata")

	if err := manager.Put(ctx, key, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected hit")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected %q, got %q", payload, got)
	}

	stats := manager.Stats()
	if stats.MemoryHits != 1 {
		t.Errorf("Expected 1 memory hit, got %d", stats.MemoryHits)
	}
}

func TestManager_MissIsNotAnError(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)

	got, ok, err := manager.Get(ctx, data.ChunkDataKey("deadbeef"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok || got != nil {
		t.Error("Expected clean miss")
	}
}

func TestManager_LargeValuePlacedOnDisk(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, &ManagerConfig{
		PromoteMaxSize: 64,
	})

	key := data.FileDataKey("big-file")
	payload := make([]byte, 256)

	if err := manager.Put(ctx, key, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if manager.memory.Len() != 0 {
		t.Errorf("Expected large value to skip memory, found %d entries", manager.memory.Len())
	}

	got, ok, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || len(got) != 256 {
		t.Fatal("Expected disk hit")
	}

	stats := manager.Stats()
	if stats.DiskHits != 1 {
		t.Errorf("Expected 1 disk hit, got %d", stats.DiskHits)
	}
}

func TestManager_LowPriorityPlacedOnDisk(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)

	key := data.DirectoryListingKey("/archive")
	if err := manager.PutWithPriority(ctx, key, []byte("listing"), data.PriorityLow); err != nil {
		t.Fatalf("PutWithPriority failed: %v", err)
	}

	if manager.memory.Len() != 0 {
		t.Errorf("Expected low priority value to skip memory, found %d entries", manager.memory.Len())
	}
	if _, ok, _ := manager.disk.Get(entryKey(key)); !ok {
		t.Error("Expected value on disk")
	}
}

func TestManager_FrequentDiskHitsPromote(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, &ManagerConfig{
		PromoteMaxSize:     64,
		PromoteAccessCount: 3,
	})

	key := data.FileDataKey("warm-file")
	if err := manager.Put(ctx, key, make([]byte, 256)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, ok, err := manager.Get(ctx, key); err != nil || !ok {
			t.Fatalf("Get %d failed: ok=%v err=%v", i, ok, err)
		}
	}

	if manager.memory.Len() != 1 {
		t.Errorf("Expected promotion to memory after repeated reads, found %d entries", manager.memory.Len())
	}

	// Promoted copy now serves from memory
	if _, ok, _ := manager.Get(ctx, key); !ok {
		t.Fatal("Expected hit after promotion")
	}
	if manager.Stats().MemoryHits != 1 {
		t.Errorf("Expected 1 memory hit, got %d", manager.Stats().MemoryHits)
	}
}

func TestManager_WritebackFlush(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)

	key := data.FileDataKey("pending")
	payload := []byte("unflushed content")

	if err := manager.Put(ctx, key, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The memory copy is dirty until written back; the disk tier
	// must not have it yet
	if manager.Stats().DirtyEntries != 1 {
		t.Fatalf("Expected 1 dirty entry, got %d", manager.Stats().DirtyEntries)
	}
	if _, ok, _ := manager.disk.Get(entryKey(key)); ok {
		t.Fatal("Expected disk tier to lag behind memory before flush")
	}

	if err := manager.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	entry, ok, err := manager.disk.Get(entryKey(key))
	if err != nil {
		t.Fatalf("Disk get failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected flushed entry on disk")
	}
	if !bytes.Equal(entry.Value, payload) {
		t.Errorf("Expected %q, got %q", payload, entry.Value)
	}
	if entry.Dirty {
		t.Error("Expected persisted copy to be clean")
	}

	stats := manager.Stats()
	if stats.Writebacks != 1 {
		t.Errorf("Expected 1 write-back, got %d", stats.Writebacks)
	}
	if stats.DirtyEntries != 0 {
		t.Errorf("Expected no dirty entries after flush, got %d", stats.DirtyEntries)
	}
}

func TestManager_WritebackKeepsConcurrentPutDirty(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)

	key := data.FileMetadataKey("/contended")
	if err := manager.Put(ctx, key, []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Snapshot the dirty set as a write-back pass would
	dirty := manager.memory.DirtyEntries()
	if len(dirty) != 1 {
		t.Fatalf("Expected 1 dirty entry, got %d", len(dirty))
	}

	// Foreground write lands between the snapshot and the clean
	if err := manager.Put(ctx, key, []byte("v2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Complete the original pass: persist the snapshot, mark clean
	persisted := *dirty[0].Entry
	persisted.Dirty = false
	if err := manager.disk.Put(dirty[0].Key, &persisted); err != nil {
		t.Fatalf("Disk put failed: %v", err)
	}
	manager.memory.MarkClean(dirty[0])

	// The newer value must still be queued for write-back
	if manager.memory.DirtyCount() != 1 {
		t.Fatal("Expected the replaced entry to stay dirty")
	}

	if err := manager.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	entry, ok, err := manager.disk.Get(entryKey(key))
	if err != nil || !ok {
		t.Fatalf("Expected flushed entry on disk, ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(entry.Value, []byte("v2")) {
		t.Errorf("Expected disk to hold the newer value, got %q", entry.Value)
	}

	value, ok, err := manager.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(value, []byte("v2")) {
		t.Errorf("Expected %q, got %q", "v2", value)
	}
}

func TestManager_WritebackFailureKeepsEntryDirty(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)

	key := data.FileDataKey("stuck")
	if err := manager.Put(ctx, key, []byte("content")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A closed disk tier rejects the write-back
	if err := manager.disk.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := manager.Flush(ctx); err == nil {
		t.Fatal("Expected Flush to report the write-back failure")
	}

	stats := manager.Stats()
	if stats.WritebackErrors != 1 {
		t.Errorf("Expected 1 write-back error, got %d", stats.WritebackErrors)
	}
	if manager.memory.DirtyCount() != 1 {
		t.Errorf("Expected entry to stay dirty, got %d dirty entries", manager.memory.DirtyCount())
	}
}

func TestManager_PutPropagatesToRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	manager := newTestManager(t, &ManagerConfig{Remote: remote})

	key := data.FileDataKey("shared")
	payload := []byte("content")

	if err := manager.Put(ctx, key, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, _ := remote.Get(ctx, entryKey(key))
	if !ok {
		t.Fatal("Expected value in the distributed tier")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected %q, got %q", payload, got)
	}
}

func TestManager_RemoteFailureDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.fail = true

	manager := newTestManager(t, &ManagerConfig{Remote: remote})

	got, ok, err := manager.Get(ctx, data.ChunkDataKey("abc"))
	if err != nil {
		t.Fatalf("Expected degraded miss, got error: %v", err)
	}
	if ok || got != nil {
		t.Error("Expected miss when remote is down")
	}
}

func TestManager_RemoteHitBackfills(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	manager := newTestManager(t, &ManagerConfig{Remote: remote})

	key := data.ChunkDataKey("remote-only")
	payload := []byte("fetched from the cluster")
	remote.Put(ctx, key.String(), payload)

	got, ok, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || !bytes.Equal(got, payload) {
		t.Fatal("Expected remote hit")
	}

	// The back-filled copies serve the next lookup locally
	if _, ok, _ := manager.Get(ctx, key); !ok {
		t.Fatal("Expected hit after back-fill")
	}

	stats := manager.Stats()
	if stats.RemoteHits != 1 {
		t.Errorf("Expected 1 remote hit, got %d", stats.RemoteHits)
	}
	if stats.MemoryHits != 1 {
		t.Errorf("Expected back-filled memory hit, got %d", stats.MemoryHits)
	}
	if _, ok, _ := manager.disk.Get(entryKey(key)); !ok {
		t.Error("Expected back-filled copy on disk")
	}
}

func TestManager_BackfillDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	manager := newTestManager(t, &ManagerConfig{
		Remote:         remote,
		MemoryCapacity: 128,
	})

	resident := data.FileMetadataKey("/resident")
	if err := manager.Put(ctx, resident, make([]byte, 100)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	key := data.ChunkDataKey("remote-only")
	payload := make([]byte, 100)
	remote.Put(ctx, key.String(), payload)

	got, ok, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || !bytes.Equal(got, payload) {
		t.Fatal("Expected remote hit")
	}

	// The resident entry keeps its memory slot; the back-filled copy
	// lands on disk only
	if _, ok := manager.memory.Get(entryKey(resident)); !ok {
		t.Error("Expected resident entry to survive the back-fill")
	}
	if manager.memory.Len() != 1 {
		t.Errorf("Expected 1 memory entry, got %d", manager.memory.Len())
	}
	if _, ok, _ := manager.disk.Get(entryKey(key)); !ok {
		t.Error("Expected back-filled copy on disk")
	}
}

func TestManager_MemoryOnly(t *testing.T) {
	ctx := context.Background()

	manager, err := NewManager(&ManagerConfig{WritebackInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	key := data.FileMetadataKey("/a")
	if err := manager.Put(ctx, key, []byte("value")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok, _ := manager.Get(ctx, key); !ok {
		t.Fatal("Expected memory hit")
	}

	// With no disk tier there is nothing to write back
	if manager.Stats().DirtyEntries != 0 {
		t.Errorf("Expected no dirty entries, got %d", manager.Stats().DirtyEntries)
	}
	if err := manager.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func TestManager_Invalidate(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	manager := newTestManager(t, &ManagerConfig{Remote: remote})

	key := data.DirectoryListingKey("/docs")
	if err := manager.Put(ctx, key, []byte("listing")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := manager.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if err := manager.Invalidate(ctx, key); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if _, ok, _ := manager.Get(ctx, key); ok {
		t.Error("Expected miss after invalidation")
	}
	if _, ok, _ := remote.Get(ctx, key.String()); ok {
		t.Error("Expected remote entry to be removed")
	}
}

func TestManager_HealthCheck(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)

	// No traffic yet
	if health := manager.HealthCheck(); !health.Healthy {
		t.Error("Expected fresh cache to be healthy")
	}

	key := data.FileMetadataKey("/a")
	manager.Put(ctx, key, []byte("value"))
	manager.Get(ctx, key)

	if health := manager.HealthCheck(); !health.Healthy {
		t.Error("Expected cache with hits to be healthy")
	}

	// Misses only: the hit rate collapses below the threshold
	for i := 0; i < 100; i++ {
		manager.Get(ctx, data.ChunkDataKey(data.ChunkID(fmt.Sprintf("missing-%d", i))))
	}

	if health := manager.HealthCheck(); health.Healthy {
		t.Error("Expected cache with near-zero hit rate to be unhealthy")
	}
}

func TestManager_ShutdownFlushes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	manager, err := NewManager(&ManagerConfig{
		DiskPath:          path,
		WritebackInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	key := data.FileDataKey("final")
	payload := []byte("last words")

	if err := manager.Put(ctx, key, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// Second Shutdown is a no-op
	if err := manager.Shutdown(ctx); err != nil {
		t.Fatalf("Repeated Shutdown failed: %v", err)
	}

	// The flushed entry survives in the disk database
	disk, err := NewDiskTier(path, nil)
	if err != nil {
		t.Fatalf("NewDiskTier failed: %v", err)
	}
	t.Cleanup(func() { disk.Close() })

	entry, ok, err := disk.Get(entryKey(key))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected Shutdown to flush remaining dirty entries")
	}
	if !bytes.Equal(entry.Value, payload) {
		t.Errorf("Expected %q, got %q", payload, entry.Value)
	}
}

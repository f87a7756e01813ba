package chunkfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/mwantia/chunkfs/cache"
	"github.com/mwantia/chunkfs/chunk"
	"github.com/mwantia/chunkfs/data"
	"github.com/mwantia/chunkfs/log"
	"github.com/mwantia/chunkfs/metadata"
	"github.com/mwantia/chunkfs/storage"
)

// VirtualFileSystem composes the chunk manager, a storage backend, a
// metadata backend and the multi-tier cache into the file operations
// the outside world consumes. It is the only entry point external
// layers are supposed to call.
type VirtualFileSystem struct {
	mu sync.RWMutex

	chunks   *chunk.Manager
	storage  storage.Backend
	metadata metadata.Backend
	cache    *cache.Manager
	logger   *log.Logger

	fileDataCacheLimit int64

	opened bool
	closed bool
}

// New wires a file system from a storage and a metadata backend.
// Open must be called before any file operation.
func New(store storage.Backend, meta metadata.Backend, opts ...Option) (*VirtualFileSystem, error) {
	options := newDefaultOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}

	logger := log.NewLogger("chunkfs", options.LogLevel, options.LogFile, options.NoTerminalLog)

	cacheManager, err := cache.NewManager(&cache.ManagerConfig{
		MemoryCapacity:    options.CacheMemoryCapacity,
		DiskPath:          options.CacheDiskPath,
		Disk:              options.CacheDisk,
		Remote:            options.CacheRemote,
		WritebackInterval: options.WritebackInterval,
		Logger:            logger.Named("cache"),
	})
	if err != nil {
		return nil, err
	}

	return &VirtualFileSystem{
		chunks:             chunk.NewManager(options.ChunkSize),
		storage:            store,
		metadata:           meta,
		cache:              cacheManager,
		logger:             logger,
		fileDataCacheLimit: options.FileDataCacheLimit,
	}, nil
}

// Open opens both backends. Calling Open twice is an error.
func (v *VirtualFileSystem) Open(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("%w: file system was closed", data.ErrBackendUnavailable)
	}
	if v.opened {
		return fmt.Errorf("%w: file system already open", data.ErrExist)
	}

	if err := v.storage.Open(ctx); err != nil {
		return fmt.Errorf("failed to open storage backend '%s': %w", v.storage.Name(), err)
	}
	if err := v.metadata.Open(ctx); err != nil {
		return fmt.Errorf("failed to open metadata backend '%s': %w", v.metadata.Name(), err)
	}

	v.opened = true
	v.logger.Info("File system opened (storage: %s, metadata: %s)",
		v.storage.Name(), v.metadata.Name())

	return nil
}

// Close flushes the cache and closes both backends. File handles
// still referring to this file system fail afterwards.
func (v *VirtualFileSystem) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	errs := &data.Errors{}
	errs.Add(v.cache.Shutdown(ctx))

	if v.opened {
		errs.Add(v.storage.Close(ctx))
		errs.Add(v.metadata.Close(ctx))
	}

	v.logger.Info("File system closed")
	return errs.Errors()
}

// guard rejects operations on a file system that is not currently
// usable. Handles resolve their back-reference through this check at
// call time.
func (v *VirtualFileSystem) guard() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return fmt.Errorf("%w: file system is closed", data.ErrBackendUnavailable)
	}
	if !v.opened {
		return fmt.Errorf("%w: file system is not open", data.ErrBackendUnavailable)
	}

	return nil
}

// Stats merges the storage and cache counters into one report.
type Stats struct {
	Storage *data.StorageInfo `json:"storage"`
	Cache   cache.Stats       `json:"cache"`
}

// Stats reports storage usage and cache effectiveness.
func (v *VirtualFileSystem) Stats(ctx context.Context) (*Stats, error) {
	if err := v.guard(); err != nil {
		return nil, err
	}

	info, err := v.storage.StorageInfo(ctx)
	if err != nil {
		return nil, err
	}

	return &Stats{
		Storage: info,
		Cache:   v.cache.Stats(),
	}, nil
}

// Health reports the cache health check.
func (v *VirtualFileSystem) Health() cache.Health {
	return v.cache.HealthCheck()
}

// RepairReport summarizes one verification and repair pass.
type RepairReport struct {
	Inconsistencies []data.Inconsistency `json:"inconsistencies"`
	RepairedRecords int                  `json:"repaired_records"`
	CorruptChunks   []data.ChunkID       `json:"corrupt_chunks"`
	CollectedFiles  int                  `json:"collected_files"`
}

// VerifyAndRepair runs the metadata consistency scan, repairs any
// dangling index entries, verifies chunk soundness and collects
// left-over temporary files.
func (v *VirtualFileSystem) VerifyAndRepair(ctx context.Context) (*RepairReport, error) {
	if err := v.guard(); err != nil {
		return nil, err
	}

	report := &RepairReport{}

	inconsistencies, err := v.metadata.VerifyConsistency(ctx)
	if err != nil {
		return nil, err
	}
	report.Inconsistencies = inconsistencies

	if len(inconsistencies) > 0 {
		repaired, err := v.metadata.RepairMetadata(ctx)
		if err != nil {
			return nil, err
		}
		report.RepairedRecords = repaired

		v.logger.Warn("Repaired %d dangling metadata records", repaired)
	}

	corrupt, err := v.storage.VerifyIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	report.CorruptChunks = corrupt

	collected, err := v.storage.GC(ctx)
	if err != nil {
		return nil, err
	}
	report.CollectedFiles = collected

	return report, nil
}

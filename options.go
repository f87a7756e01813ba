package chunkfs

import (
	"time"

	"github.com/mwantia/chunkfs/cache"
	"github.com/mwantia/chunkfs/log"
)

type Options struct {
	ChunkSize int

	LogLevel      log.LogLevel
	LogFile       string
	NoTerminalLog bool

	CacheMemoryCapacity int64
	CacheDiskPath       string
	CacheDisk           *cache.DiskTierConfig
	CacheRemote         cache.DistributedTier
	WritebackInterval   time.Duration

	// Files at or below this size have their whole content cached
	FileDataCacheLimit int64
}

type Option func(*Options) error

func newDefaultOptions() *Options {
	return &Options{
		LogLevel:           log.Info,
		FileDataCacheLimit: 1024 * 1024,
	}
}

// WithChunkSize sets the split size used when writing files.
func WithChunkSize(chunkSize int) Option {
	return func(opts *Options) error {
		opts.ChunkSize = chunkSize
		return nil
	}
}

func WithLogLevel(logLevel log.LogLevel) Option {
	return func(opts *Options) error {
		opts.LogLevel = logLevel
		return nil
	}
}

func WithLogFile(logFile string) Option {
	return func(opts *Options) error {
		opts.LogFile = logFile
		return nil
	}
}

func WithoutTerminalLog() Option {
	return func(opts *Options) error {
		opts.NoTerminalLog = true
		return nil
	}
}

// WithMemoryCache bounds the memory cache tier to capacity bytes.
func WithMemoryCache(capacity int64) Option {
	return func(opts *Options) error {
		opts.CacheMemoryCapacity = capacity
		return nil
	}
}

// WithDiskCache enables the persistent cache tier at the given path.
func WithDiskCache(path string, config *cache.DiskTierConfig) Option {
	return func(opts *Options) error {
		opts.CacheDiskPath = path
		opts.CacheDisk = config
		return nil
	}
}

// WithDistributedCache enables a shared cache tier between nodes.
func WithDistributedCache(tier cache.DistributedTier) Option {
	return func(opts *Options) error {
		opts.CacheRemote = tier
		return nil
	}
}

// WithWritebackInterval sets the pause between write-back passes.
func WithWritebackInterval(interval time.Duration) Option {
	return func(opts *Options) error {
		opts.WritebackInterval = interval
		return nil
	}
}

// WithFileDataCacheLimit caps the file size eligible for whole-file
// content caching.
func WithFileDataCacheLimit(limit int64) Option {
	return func(opts *Options) error {
		opts.FileDataCacheLimit = limit
		return nil
	}
}

package chunkfs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mwantia/chunkfs/cache"
	"github.com/mwantia/chunkfs/data"
	"github.com/mwantia/chunkfs/log"
	"github.com/mwantia/chunkfs/metadata"
	"github.com/mwantia/chunkfs/metadata/memory"
	"github.com/mwantia/chunkfs/metadata/postgres"
	"github.com/mwantia/chunkfs/metadata/sqlite"
	"github.com/mwantia/chunkfs/storage"
	"github.com/mwantia/chunkfs/storage/local"
	"github.com/mwantia/chunkfs/storage/s3"
)

// Config is the yaml description of a complete file system: which
// backends to use, how to bound the cache tiers and where to log.
type Config struct {
	ChunkSize int `yaml:"chunk_size"`

	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Metadata MetadataConfig `yaml:"metadata"`
	Cache    CacheConfig    `yaml:"cache"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	NoTerminal bool   `yaml:"no_terminal"`
}

type StorageConfig struct {
	// Backend selects the chunk store: "local" or "s3"
	Backend string `yaml:"backend"`

	// Root directory of the local backend
	Path string `yaml:"path"`

	// Capacity reported by the local backend (bytes)
	Capacity int64 `yaml:"capacity"`

	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type MetadataConfig struct {
	// Backend selects the metadata store: "sqlite", "postgres" or
	// "memory"
	Backend string `yaml:"backend"`

	// Database file of the sqlite backend
	Path string `yaml:"path"`

	// Connection string of the postgres backend
	ConnString string `yaml:"conn_string"`
}

type CacheConfig struct {
	MemoryCapacity int64  `yaml:"memory_capacity"`
	DiskPath       string `yaml:"disk_path"`
	DiskMaxSize    int64  `yaml:"disk_max_size"`

	// Durations in time.ParseDuration form, e.g. "30m" or "5s"
	DiskTTL           string `yaml:"disk_ttl"`
	WritebackInterval string `yaml:"writeback_interval"`

	Consul ConsulConfig `yaml:"consul"`
}

type ConsulConfig struct {
	// Enables the distributed cache tier
	Enabled bool `yaml:"enabled"`

	Address    string `yaml:"address"`
	Token      string `yaml:"token"`
	Datacenter string `yaml:"datacenter"`
	Prefix     string `yaml:"prefix"`
}

// ParseConfig loads a Config from a yaml file.
func ParseConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config: %v", data.ErrInvalid, err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", data.ErrSerialization, err)
	}

	return config, nil
}

// NewFromConfig builds the configured backends and wires them into a
// file system. Open must still be called before use.
func NewFromConfig(config *Config) (*VirtualFileSystem, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: config must not be nil", data.ErrInvalid)
	}

	logger := log.NewLogger("chunkfs", log.Parse(config.Log.Level),
		config.Log.File, config.Log.NoTerminal)

	store, err := buildStorage(config, logger)
	if err != nil {
		return nil, err
	}

	meta, err := buildMetadata(config)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithChunkSize(config.ChunkSize),
		WithLogLevel(log.Parse(config.Log.Level)),
		WithLogFile(config.Log.File),
		WithMemoryCache(config.Cache.MemoryCapacity),
	}
	if config.Log.NoTerminal {
		opts = append(opts, WithoutTerminalLog())
	}
	if config.Cache.WritebackInterval != "" {
		interval, err := time.ParseDuration(config.Cache.WritebackInterval)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid writeback_interval: %v", data.ErrInvalid, err)
		}
		opts = append(opts, WithWritebackInterval(interval))
	}
	if config.Cache.DiskPath != "" {
		diskConfig := &cache.DiskTierConfig{
			MaxSize: config.Cache.DiskMaxSize,
		}
		if config.Cache.DiskTTL != "" {
			ttl, err := time.ParseDuration(config.Cache.DiskTTL)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid disk_ttl: %v", data.ErrInvalid, err)
			}
			diskConfig.TTL = ttl
		}
		opts = append(opts, WithDiskCache(config.Cache.DiskPath, diskConfig))
	}
	if config.Cache.Consul.Enabled {
		tier, err := cache.NewConsulTier(&cache.ConsulTierConfig{
			Address:    config.Cache.Consul.Address,
			Token:      config.Cache.Consul.Token,
			Datacenter: config.Cache.Consul.Datacenter,
			Prefix:     config.Cache.Consul.Prefix,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithDistributedCache(tier))
	}

	return New(store, meta, opts...)
}

func buildStorage(config *Config, logger *log.Logger) (storage.Backend, error) {
	switch config.Storage.Backend {
	case "", "local":
		if config.Storage.Path == "" {
			return nil, fmt.Errorf("%w: local storage requires a path", data.ErrInvalid)
		}
		return local.NewLocalBackend(config.Storage.Path, &local.LocalBackendConfig{
			Capacity: config.Storage.Capacity,
			Logger:   logger.Named("storage"),
		})

	case "s3":
		return s3.NewS3Backend(config.Storage.S3.Endpoint, config.Storage.S3.Bucket,
			config.Storage.S3.AccessKey, config.Storage.S3.SecretKey,
			config.Storage.S3.UseSSL, logger.Named("storage"))

	default:
		return nil, fmt.Errorf("%w: unknown storage backend '%s'",
			data.ErrInvalid, config.Storage.Backend)
	}
}

func buildMetadata(config *Config) (metadata.Backend, error) {
	switch config.Metadata.Backend {
	case "", "sqlite":
		if config.Metadata.Path == "" {
			return nil, fmt.Errorf("%w: sqlite metadata requires a path", data.ErrInvalid)
		}
		return sqlite.NewSQLiteBackend(config.Metadata.Path)

	case "postgres":
		return postgres.NewPostgresBackend(config.Metadata.ConnString)

	case "memory":
		return memory.NewMemoryBackend(), nil

	default:
		return nil, fmt.Errorf("%w: unknown metadata backend '%s'",
			data.ErrInvalid, config.Metadata.Backend)
	}
}

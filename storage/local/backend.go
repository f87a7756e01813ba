package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mwantia/chunkfs/data"
	"github.com/mwantia/chunkfs/log"
)

// LocalBackend stores chunks as files under a root directory, fanned
// out into subdirectories keyed by a hash prefix of each chunk id so
// no single directory grows unbounded.
//
// Layout:
//
//	root/ab/abcdef...0123.chunk
//	root/ab/.abcdef...0123.tmp-<uuid>   (in-flight write)
//
// Every write goes to a temporary sibling first and is atomically
// renamed into its final path, so a partial chunk is never observable.
type LocalBackend struct {
	mu   sync.RWMutex
	root string

	// Capacity limit in bytes; 0 means unlimited
	capacity int64

	logger *log.Logger

	// StorageInfo cache with a short TTL, invalidated on mutation
	infoMu      sync.Mutex
	cachedInfo  *data.StorageInfo
	infoTTL     time.Duration
	infoExpires time.Time
}

// LocalBackendConfig contains configuration options for the local backend.
type LocalBackendConfig struct {
	// Capacity limit in bytes reported by StorageInfo (0 = unlimited)
	Capacity int64

	// How long StorageInfo figures stay cached (default: 5s)
	InfoTTL time.Duration

	Logger *log.Logger
}

// NewLocalBackend creates a chunk store rooted at the given directory.
func NewLocalBackend(root string, config *LocalBackendConfig) (*LocalBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty storage root", data.ErrInvalid)
	}

	if config == nil {
		config = &LocalBackendConfig{}
	}

	if config.InfoTTL <= 0 {
		config.InfoTTL = 5 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("storage", log.Info, "", false)
	}

	return &LocalBackend{
		root:     root,
		capacity: config.Capacity,
		infoTTL:  config.InfoTTL,
		logger:   logger.Named("local"),
	}, nil
}

// Returns the identifier name defined for this backend
func (*LocalBackend) Name() string {
	return "local"
}

// Open is part of the lifecycle behaviour and gets called when opening this backend.
func (lb *LocalBackend) Open(ctx context.Context) error {
	return os.MkdirAll(lb.root, 0755)
}

// Close is part of the lifecycle behaviour and gets called when closing this backend.
func (lb *LocalBackend) Close(ctx context.Context) error {
	return nil
}

// chunkPath resolves the final path for a chunk id.
func (lb *LocalBackend) chunkPath(id data.ChunkID) string {
	return filepath.Join(lb.root, id.Prefix(2), string(id)+".chunk")
}

// chunkDir resolves the fan-out directory for a chunk id.
func (lb *LocalBackend) chunkDir(id data.ChunkID) string {
	return filepath.Join(lb.root, id.Prefix(2))
}

// invalidateInfo drops the cached StorageInfo after a mutation.
func (lb *LocalBackend) invalidateInfo() {
	lb.infoMu.Lock()
	defer lb.infoMu.Unlock()

	lb.cachedInfo = nil
}

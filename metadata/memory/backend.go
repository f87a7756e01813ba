package memory

import (
	"context"
	"sync"

	"github.com/mwantia/chunkfs/data"
	"github.com/tidwall/btree"
)

// MemoryBackend keeps all metadata in process memory. It mirrors the
// persistent backends' index layout (primary table plus denormalized
// secondaries) so the consistency-repair protocol behaves the same.
// Intended for tests and ephemeral setups.
type MemoryBackend struct {
	mu sync.RWMutex

	// Path-ordered primary index
	paths *btree.Map[string, *data.FileInfo]

	// Secondary indexes
	fileIDs map[string]string                       // file id -> path
	chunks  map[data.ChunkID]map[string]int         // chunk id -> path -> position
	attrs   map[string]map[string]string            // path -> key -> value
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		paths:   btree.NewMap[string, *data.FileInfo](0),
		fileIDs: make(map[string]string),
		chunks:  make(map[data.ChunkID]map[string]int),
		attrs:   make(map[string]map[string]string),
	}
}

// Returns the identifier name defined for this backend
func (*MemoryBackend) Name() string {
	return "memory"
}

// Open is part of the lifecycle behaviour and gets called when opening this backend.
func (mb *MemoryBackend) Open(ctx context.Context) error {
	return nil
}

// Close is part of the lifecycle behaviour and gets called when closing this backend.
func (mb *MemoryBackend) Close(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.paths.Clear()
	mb.fileIDs = make(map[string]string)
	mb.chunks = make(map[data.ChunkID]map[string]int)
	mb.attrs = make(map[string]map[string]string)

	return nil
}

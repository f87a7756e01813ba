package storage

import (
	"context"

	"github.com/mwantia/chunkfs/data"
)

// Backend is a durable, content-addressed key→bytes store for chunks.
// Writes are atomic: a partially written chunk must never be
// observable, and storing identical bytes under the same id twice is
// a no-op.
type Backend interface {
	// Returns the identifier name defined for this backend
	Name() string
	// Open is part of the lifecycle behaviour and gets called when opening this backend.
	Open(ctx context.Context) error
	// Close is part of the lifecycle behaviour and gets called when closing this backend.
	Close(ctx context.Context) error

	// StoreChunk durably persists a chunk payload under its content
	// address. Empty payloads are rejected with ErrInvalid.
	StoreChunk(ctx context.Context, id data.ChunkID, payload []byte) error

	// RetrieveChunk returns the stored payload or ErrNotExist.
	RetrieveChunk(ctx context.Context, id data.ChunkID) ([]byte, error)

	// ChunkExists is a fast existence check without reading payload.
	ChunkExists(ctx context.Context, id data.ChunkID) (bool, error)

	// DeleteChunk removes a chunk or fails with ErrNotExist.
	DeleteChunk(ctx context.Context, id data.ChunkID) error

	// StoreChunks fans out one concurrent store per chunk and joins
	// the results into a single aggregate error.
	StoreChunks(ctx context.Context, chunks []*data.Chunk) error

	// RetrieveChunks fans out one concurrent retrieval per id. The
	// result holds one slot per requested id; a missing or failed
	// chunk leaves its slot nil rather than failing the batch.
	RetrieveChunks(ctx context.Context, ids []data.ChunkID) ([][]byte, error)

	// DeleteChunks deletes a batch of chunks, logging individual
	// failures without failing the whole batch.
	DeleteChunks(ctx context.Context, ids []data.ChunkID) error

	// StorageInfo reports capacity, usage and chunk count. Figures
	// are cached briefly and invalidated on any mutation.
	StorageInfo(ctx context.Context) (*data.StorageInfo, error)

	// GC removes orphaned temporary files and zero-length files left
	// behind by failed writes. It has no notion of file ownership;
	// unreferenced-chunk collection belongs to the layer above.
	GC(ctx context.Context) (int, error)

	// VerifyIntegrity returns the ids of chunks failing basic
	// soundness checks.
	VerifyIntegrity(ctx context.Context) ([]data.ChunkID, error)

	// RepairChunk removes a confirmed-corrupt chunk.
	RepairChunk(ctx context.Context, id data.ChunkID) error
}

package metadata

import (
	"context"
	"time"

	"github.com/mwantia/chunkfs/data"
)

// Backend is a durable path→FileInfo store with denormalized
// secondary indexes (file-id→path, chunk→files, attributes) and a
// consistency-repair protocol.
//
// The consistency model is eventually repairable, not transactional:
// SetFileInfo issues several independent writes without cross-record
// atomicity. Crash recovery relies on VerifyConsistency,
// RepairMetadata and RebuildIndex, not prevention.
type Backend interface {
	// Returns the identifier name defined for this backend
	Name() string
	// Open is part of the lifecycle behaviour and gets called when opening this backend.
	Open(ctx context.Context) error
	// Close is part of the lifecycle behaviour and gets called when closing this backend.
	Close(ctx context.Context) error

	// GetFileInfo returns the primary record or ErrNotExist.
	GetFileInfo(ctx context.Context, path string) (*data.FileInfo, error)

	// SetFileInfo upserts the primary record and denormalizes it into
	// the secondary indexes.
	SetFileInfo(ctx context.Context, path string, info *data.FileInfo) error

	// DeleteFileInfo removes the primary record and all associated
	// secondary records.
	DeleteFileInfo(ctx context.Context, path string) error

	// FileExists is a fast existence check on the primary index.
	FileExists(ctx context.Context, path string) (bool, error)

	// ListDirectory returns the immediate children of a directory in
	// the flat path keyspace. Explicitly created empty directories
	// hold their own zero-size record and list as empty.
	ListDirectory(ctx context.Context, path string) ([]*data.FileInfo, error)

	// FindFilesByPattern returns the unordered set of paths whose
	// base name matches the glob pattern.
	FindFilesByPattern(ctx context.Context, pattern string) ([]string, error)

	// FindFilesBySize returns paths of files whose size lies within
	// [min, max]. A max of 0 means unbounded.
	FindFilesBySize(ctx context.Context, min, max int64) ([]string, error)

	// FindFilesByDate returns paths of files modified within [from, to].
	FindFilesByDate(ctx context.Context, from, to time.Time) ([]string, error)

	// ChunkRefs returns how many live files reference a chunk.
	ChunkRefs(ctx context.Context, id data.ChunkID) (int, error)

	// FilePathByID resolves the file-id→path secondary index.
	FilePathByID(ctx context.Context, fileID string) (string, error)

	// VerifyConsistency detects dangling secondary-index entries.
	// Violations are reported, never silently tolerated.
	VerifyConsistency(ctx context.Context) ([]data.Inconsistency, error)

	// RepairMetadata deletes the dangling entries a consistency scan
	// would report and returns how many were removed.
	RepairMetadata(ctx context.Context) (int, error)

	// RebuildIndex fully regenerates all derived indexes from the
	// primary table.
	RebuildIndex(ctx context.Context) error
}

package data

import (
	"crypto/sha256"
	"encoding/hex"
)

// ChunkID is the content address of a chunk: the hex-encoded SHA-256
// of the chunk's uncompressed bytes. Identical bytes always produce
// the same id, which makes re-storage of a chunk a natural no-op.
type ChunkID string

// HashBytes computes the content address for a byte slice.
func HashBytes(b []byte) ChunkID {
	sum := sha256.Sum256(b)
	return ChunkID(hex.EncodeToString(sum[:]))
}

// Valid reports whether the id is a well-formed SHA-256 hex digest.
func (id ChunkID) Valid() bool {
	if len(id) != sha256.Size*2 {
		return false
	}

	_, err := hex.DecodeString(string(id))
	return err == nil
}

// Prefix returns the first n hex characters of the id, used for
// fan-out directory layouts.
func (id ChunkID) Prefix(n int) string {
	if n > len(id) {
		n = len(id)
	}
	return string(id[:n])
}

// Chunk is an immutable, content-addressed unit of file data.
// Index, Offset and TotalSize record the chunk's position within
// the original byte stream so a shuffled chunk list can be
// reassembled deterministically.
type Chunk struct {
	ID ChunkID `json:"id"`

	// Possibly compressed payload
	Data []byte `json:"data"`

	// Size of the uncompressed payload
	Size int64 `json:"size"`

	// Whether Data holds a compressed representation
	Compressed bool `json:"compressed"`

	// Zero-based sequence index within the original stream
	Index int `json:"index"`

	// Byte offset of this chunk within the original stream
	Offset int64 `json:"offset"`

	// Total size of the original stream
	TotalSize int64 `json:"total_size"`
}

// Clone creates a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	clone := *c
	clone.Data = make([]byte, len(c.Data))
	copy(clone.Data, c.Data)

	return &clone
}

// ChunkAnalysis summarizes a chunk list without mutating storage.
type ChunkAnalysis struct {
	TotalChunks      int     `json:"total_chunks"`
	OriginalSize     int64   `json:"original_size"`
	ChunkedSize      int64   `json:"chunked_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	UniqueChunks     int     `json:"unique_chunks"`
	DedupSavings     int64   `json:"dedup_savings"`
}
